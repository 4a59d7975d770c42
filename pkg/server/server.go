package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raterudder/evccwatch/pkg/common"
	"github.com/raterudder/evccwatch/pkg/log"
	"github.com/raterudder/evccwatch/pkg/poller"
	"github.com/raterudder/evccwatch/pkg/types"
)

// StatusProvider exposes the latest poll result.
type StatusProvider interface {
	Status() poller.Status
}

// Server exposes the latest evcc state over HTTP as JSON, as a websocket
// stream and as Prometheus metrics.
type Server struct {
	status     StatusProvider
	registry   *prometheus.Registry
	stream     *stream
	listenAddr string
	httpServer *http.Server
}

// New creates a Server for status listening on listenAddr.
func New(status StatusProvider, listenAddr string) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(status))
	return &Server{
		status:     status,
		registry:   registry,
		stream:     newStream(),
		listenAddr: listenAddr,
	}
}

// Configured registers the server flags and returns a Server for status.
func Configured(status StatusProvider) *Server {
	srv := New(status, "")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})
	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return common.ServerHeader(gziphandler.GzipHandler(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		s.stream.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

type loadpointResponse struct {
	types.Loadpoint
	ChargePowerText string `json:"chargePowerText"`
}

type statusResponse struct {
	GridPower           int64               `json:"gridPower"`
	PVPower             int64               `json:"pvPower"`
	HousePower          int64               `json:"housePower"`
	BatteryPower        int64               `json:"batteryPower"`
	BatterySoc          int                 `json:"batterySoc"`
	TotalChargePower    int64               `json:"totalChargePower"`
	Loadpoints          []loadpointResponse `json:"loadpoints"`
	ReceivedAt          time.Time           `json:"receivedAt"`
	Stale               bool                `json:"stale"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastError           string              `json:"lastError,omitempty"`
}

func newStatusResponse(st poller.Status) statusResponse {
	m := st.Last.Metrics
	res := statusResponse{
		GridPower:           m.GridPower,
		PVPower:             m.PVPower,
		HousePower:          m.HousePower(),
		BatteryPower:        m.BatteryPower(),
		BatterySoc:          m.BatterySoc,
		TotalChargePower:    m.TotalChargePower,
		Loadpoints:          make([]loadpointResponse, 0, m.Count),
		ReceivedAt:          st.Last.ReceivedAt,
		Stale:               st.Stale,
		ConsecutiveFailures: st.ConsecutiveFailures,
	}
	for _, lp := range m.Active() {
		res.Loadpoints = append(res.Loadpoints, loadpointResponse{
			Loadpoint:       lp,
			ChargePowerText: types.FormatPower(lp.ChargePower),
		})
	}
	if st.LastError != nil {
		res.LastError = st.LastError.Error()
	}
	return res
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	if st.Last == nil {
		msg := "no data received yet"
		if st.LastError != nil {
			msg = fmt.Sprintf("%s: %v", msg, st.LastError)
		}
		writeJSONError(w, msg, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(newStatusResponse(st)); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to write status response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
