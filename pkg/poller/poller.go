package poller

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/evccwatch/pkg/evcc"
	"github.com/raterudder/evccwatch/pkg/log"
	"github.com/raterudder/evccwatch/pkg/types"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultStaleAfter = 2 * time.Minute
)

// Source returns the current metrics of a device.
type Source interface {
	FetchStatus(ctx context.Context) (types.Metrics, error)
}

// Snapshot is a successfully decoded record and when it arrived.
type Snapshot struct {
	Metrics    types.Metrics
	ReceivedAt time.Time
}

// Status is a point-in-time copy of the poller state.
type Status struct {
	// Last is nil until the first successful poll.
	Last                *Snapshot
	LastAttempt         time.Time
	LastError           error
	ConsecutiveFailures int
	// Stale is set when there is no snapshot or it is older than the stale
	// threshold.
	Stale bool
	// Errors counts failed polls by evcc.Reason since start.
	Errors map[string]int
}

// Poller periodically fetches metrics from a Source. Failures are logged and
// counted; the next tick is the only retry.
type Poller struct {
	source     Source
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	mu          sync.Mutex
	last        *Snapshot
	lastAttempt time.Time
	lastErr     error
	failures    int
	errors      map[string]int
	subscribers []func(Status)
}

// New returns a Poller for src.
func New(src Source, interval, staleAfter time.Duration) *Poller {
	return &Poller{
		source:     src,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		errors:     make(map[string]int),
	}
}

// Configured registers the polling flags and returns a Poller for src.
func Configured(src Source) *Poller {
	p := New(src, DefaultInterval, DefaultStaleAfter)
	interval := lflag.Duration("poll-interval", DefaultInterval, "How often to fetch the evcc state")
	staleAfter := lflag.Duration("stale-after", DefaultStaleAfter, "Age after which the last good state is reported as stale")

	lflag.Do(func() {
		if *interval <= 0 {
			panic(fmt.Sprintf("poll-interval must be positive: %v", *interval))
		}
		if *staleAfter <= 0 {
			panic(fmt.Sprintf("stale-after must be positive: %v", *staleAfter))
		}
		p.interval = *interval
		p.staleAfter = *staleAfter
	})
	return p
}

// Subscribe registers fn to be called with the status after every poll.
func (p *Poller) Subscribe(fn func(Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Run polls immediately and then on every interval until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "starting poller", slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "stopping poller")
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs a single fetch cycle and returns the resulting status.
func (p *Poller) Poll(ctx context.Context) Status {
	start := p.now()
	m, err := p.source.FetchStatus(ctx)

	p.mu.Lock()
	p.lastAttempt = start
	if err != nil {
		p.failures++
		p.lastErr = err
		p.errors[evcc.Reason(err)]++
	} else {
		p.last = &Snapshot{Metrics: m, ReceivedAt: p.now()}
		p.failures = 0
		p.lastErr = nil
	}
	st := p.statusLocked()
	subs := slices.Clone(p.subscribers)
	p.mu.Unlock()

	took := p.now().Sub(start)
	if err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"evcc poll failed",
			slog.Any("error", err),
			slog.String("reason", evcc.Reason(err)),
			slog.Int("consecutiveFailures", st.ConsecutiveFailures),
			slog.Bool("stale", st.Stale),
			slog.Duration("took", took),
		)
	} else {
		log.Ctx(ctx).InfoContext(
			ctx,
			"evcc poll",
			slog.Int64("gridPower", m.GridPower),
			slog.Int64("pvPower", m.PVPower),
			slog.Int64("housePower", m.HousePower()),
			slog.Int64("chargePower", m.TotalChargePower),
			slog.Int("loadpoints", m.Count),
			slog.String("summary", summary(m)),
			slog.Duration("took", took),
		)
	}

	for _, fn := range subs {
		fn(st)
	}
	return st
}

// Status returns the current state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Poller) statusLocked() Status {
	st := Status{
		LastAttempt:         p.lastAttempt,
		LastError:           p.lastErr,
		ConsecutiveFailures: p.failures,
		Stale:               true,
		Errors:              maps.Clone(p.errors),
	}
	if p.last != nil {
		snap := *p.last
		st.Last = &snap
		st.Stale = p.now().Sub(snap.ReceivedAt) > p.staleAfter
	}
	return st
}

// summary renders the record the way a small status display would.
func summary(m types.Metrics) string {
	s := fmt.Sprintf("grid %s pv %s house %s", types.FormatPower(m.GridPower), types.FormatPower(m.PVPower), types.FormatPower(m.HousePower()))
	for i, lp := range m.Active() {
		s += fmt.Sprintf(" lp%d %s", i+1, types.FormatPower(lp.ChargePower))
		if lp.Soc != types.SocUnknown {
			s += fmt.Sprintf(" %d%%", lp.Soc)
		}
	}
	return s
}
