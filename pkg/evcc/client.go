package evcc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/evccwatch/pkg/log"
	"github.com/raterudder/evccwatch/pkg/types"
)

// DefaultPath asks evcc to filter its state down to the minimized layout.
const DefaultPath = "/api/state?jq=%7BgridPower:.grid.power,pvPower:.pvPower," +
	"batterySoc:.batterySoc,loadpoints:[.loadpoints[0],.loadpoints[1]]" +
	"%7Cmap(select(.!=null)%7C%7BchargePower:.chargePower," +
	"soc:(.vehicleSoc//.soc),charging:.charging,plugged:(.connected//.plugged)%7D)%7D"

// DefaultPort is the port evcc serves its API on.
const DefaultPort = 7070

// Client fetches and decodes the state of one evcc instance.
type Client struct {
	host    string
	port    int
	path    string
	fetcher *Fetcher
}

// NewClient returns a Client for the evcc instance at host:port.
func NewClient(host string, port int, path string, fetcher *Fetcher) *Client {
	return &Client{
		host:    host,
		port:    port,
		path:    path,
		fetcher: fetcher,
	}
}

// Configured registers the evcc flags and returns a Client that is usable
// once lflag.Configure has run.
func Configured() *Client {
	c := &Client{}
	host := lflag.String("evcc-host", "", "Hostname or IP address of the evcc instance")
	port := lflag.Int("evcc-port", DefaultPort, "Port of the evcc API")
	path := lflag.String("evcc-path", DefaultPath, "Request path returning the evcc state")
	responseTimeout := lflag.Duration("evcc-response-timeout", DefaultResponseTimeout, "How long to wait for evcc to start responding")
	readTimeout := lflag.Duration("evcc-read-timeout", 10*time.Second, "How long to keep reading a response once it started (0 disables)")
	maxBytes := lflag.Int("evcc-max-response-bytes", DefaultMaxResponseBytes, "Largest accepted response including headers")

	lflag.Do(func() {
		c.host = *host
		c.port = *port
		c.path = *path
		f, err := NewFetcher(
			WithResponseTimeout(*responseTimeout),
			WithReadTimeout(*readTimeout),
			WithMaxResponseBytes(*maxBytes),
		)
		if err != nil {
			panic(fmt.Sprintf("invalid evcc fetch settings: %v", err))
		}
		c.fetcher = f
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("evcc validation failed: %v", err))
		}
	})
	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.host == "" {
		return fmt.Errorf("evcc-host is required")
	}
	if c.port <= 0 || c.port > 65535 {
		return fmt.Errorf("evcc-port out of range: %d", c.port)
	}
	if !strings.HasPrefix(c.path, "/") {
		return fmt.Errorf("evcc-path must be absolute: %q", c.path)
	}
	if c.fetcher == nil {
		return fmt.Errorf("missing fetcher")
	}
	return nil
}

// Addr returns the host:port the client polls, for display.
func (c *Client) Addr() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

// FetchStatus fetches the state document and decodes it. It never retries.
func (c *Client) FetchStatus(ctx context.Context) (types.Metrics, error) {
	body, err := c.fetcher.Fetch(ctx, c.host, c.port, c.path)
	if err != nil {
		return types.Metrics{}, err
	}
	m, err := Decode(body)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to decode evcc state", slog.Any("error", err), slog.String("snippet", snippet(body)))
		return types.Metrics{}, err
	}
	return m, nil
}
