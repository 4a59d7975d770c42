package evcc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/evccwatch/pkg/log"
)

const (
	// DefaultResponseTimeout bounds the wait for the first response byte.
	DefaultResponseTimeout = 3 * time.Second

	// DefaultMaxResponseBytes caps the raw response, headers included.
	DefaultMaxResponseBytes = 4096

	snippetLen = 80
	readChunk  = 512
)

var headerTerminator = []byte("\r\n\r\n")

// Dialer opens transport connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Fetcher performs a single blocking HTTP/1.1 GET per call over a fresh
// connection and returns the response body. A Fetcher holds no per-request
// state and is safe to reuse.
type Fetcher struct {
	dialer          Dialer
	responseTimeout time.Duration
	readTimeout     time.Duration
	maxBytes        int
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher) error

// WithDialer replaces the transport used to connect to the device.
func WithDialer(d Dialer) FetcherOption {
	return func(f *Fetcher) error {
		if d == nil {
			return errors.New("nil dialer")
		}
		f.dialer = d
		return nil
	}
}

// WithResponseTimeout sets how long to wait for the first response byte
// after the request was sent.
func WithResponseTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) error {
		if d <= 0 {
			return fmt.Errorf("response timeout must be positive: %v", d)
		}
		f.responseTimeout = d
		return nil
	}
}

// WithReadTimeout bounds the time spent reading once the response started
// arriving. Zero, the default, disables the bound and only the byte cap
// applies.
func WithReadTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) error {
		if d < 0 {
			return fmt.Errorf("read timeout must not be negative: %v", d)
		}
		f.readTimeout = d
		return nil
	}
}

// WithMaxResponseBytes sets the hard cap on accumulated response bytes.
func WithMaxResponseBytes(n int) FetcherOption {
	return func(f *Fetcher) error {
		if n <= 0 {
			return fmt.Errorf("max response bytes must be positive: %d", n)
		}
		f.maxBytes = n
		return nil
	}
}

// NewFetcher returns a Fetcher dialing TCP with the default timeout and cap.
func NewFetcher(opts ...FetcherOption) (*Fetcher, error) {
	f := &Fetcher{
		dialer:          &net.Dialer{},
		responseTimeout: DefaultResponseTimeout,
		maxBytes:        DefaultMaxResponseBytes,
	}
	for _, o := range opts {
		if err := o(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Fetch requests path from host:port and returns the whitespace-trimmed body.
// The connection is closed before Fetch returns, whatever the outcome. ctx
// only governs dialing; once connected, the response timeout and the byte
// cap are the only bounds.
func (f *Fetcher) Fetch(ctx context.Context, host string, port int, path string) (string, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log.Ctx(ctx).DebugContext(ctx, "connecting to evcc", slog.String("addr", addr), slog.String("path", path))

	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", wrap(ErrConnectFailed, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// the write cannot take longer than we would wait for the reply anyway
	if err := conn.SetWriteDeadline(time.Now().Add(f.responseTimeout)); err != nil {
		return "", wrap(ErrConnectFailed, err)
	}
	if _, err := io.WriteString(conn, buildRequest(host, path)); err != nil {
		return "", wrap(ErrConnectFailed, fmt.Errorf("writing request: %w", err))
	}

	raw, err := f.readResponse(ctx, conn)
	if err != nil {
		return "", err
	}

	status, body, err := splitResponse(raw)
	if err != nil {
		return "", err
	}
	if code, ok := parseStatusCode(status); !ok || code < 200 || code > 299 {
		log.Ctx(ctx).WarnContext(ctx, "unexpected evcc status line", slog.String("status", status))
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"evcc response",
		slog.Int("bytes", len(body)),
		slog.String("snippet", snippet(body)),
	)
	return body, nil
}

func buildRequest(host, path string) string {
	var sb strings.Builder
	sb.WriteString("GET ")
	sb.WriteString(path)
	sb.WriteString(" HTTP/1.1\r\n")
	sb.WriteString("Host: ")
	sb.WriteString(host)
	sb.WriteString("\r\n")
	sb.WriteString("Connection: close\r\n")
	sb.WriteString("Cache-Control: no-cache\r\n")
	sb.WriteString("\r\n")
	return sb.String()
}

// readResponse reads until the peer closes the connection.
func (f *Fetcher) readResponse(ctx context.Context, conn net.Conn) ([]byte, error) {
	buf := newLimitedBuffer(f.maxBytes)
	chunk := make([]byte, readChunk)

	if err := conn.SetReadDeadline(time.Now().Add(f.responseTimeout)); err != nil {
		return nil, wrap(ErrConnectFailed, err)
	}
	var n int
	var err error
	for n == 0 && err == nil {
		n, err = conn.Read(chunk)
	}
	if n == 0 {
		// a peer that hangs up without answering is treated like one that
		// never answers
		return nil, wrap(ErrResponseTimeout, err)
	}
	if _, werr := buf.Write(chunk[:n]); werr != nil {
		return nil, werr
	}

	var deadline time.Time
	if f.readTimeout > 0 {
		deadline = time.Now().Add(f.readTimeout)
	}
	if err == nil {
		if derr := conn.SetReadDeadline(deadline); derr != nil {
			return nil, wrap(ErrConnectFailed, derr)
		}
	}
	for err == nil {
		n, err = conn.Read(chunk)
		if n > 0 {
			if _, werr := buf.Write(chunk[:n]); werr != nil {
				return nil, werr
			}
		}
	}

	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, wrap(ErrResponseTimeout, fmt.Errorf("reading body after %d bytes: %w", buf.Len(), err))
	default:
		// a reset after data arrived ends the stream; framing decides whether
		// what we have is usable
		log.Ctx(ctx).DebugContext(ctx, "evcc connection ended with error", slog.Any("error", err), slog.Int("bytes", buf.Len()))
	}
	return buf.Bytes(), nil
}

// splitResponse separates the status line and the trimmed body at the first
// blank line.
func splitResponse(raw []byte) (string, string, error) {
	idx := bytes.Index(raw, headerTerminator)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: no header terminator in %d bytes", ErrMalformedResponse, len(raw))
	}
	status, _, _ := strings.Cut(string(raw[:idx]), "\r\n")
	body := strings.TrimSpace(string(raw[idx+len(headerTerminator):]))
	if body == "" {
		return status, "", ErrEmptyBody
	}
	return status, body, nil
}

func parseStatusCode(status string) (int, bool) {
	fields := strings.Fields(status)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func snippet(body string) string {
	n := min(len(body), snippetLen)
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		c := body[i]
		if c < 32 || c > 126 {
			c = '.'
		}
		b[i] = c
	}
	return string(b)
}
