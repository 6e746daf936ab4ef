package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ValentinKolb/dMap/lib/partition"
	"github.com/ValentinKolb/dMap/rpc/node"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("admin")

// Source provides the state exposed by the admin api (implemented by *node.Node)
type Source interface {
	Status() node.Status
	Partitions() *partition.Service
}

// NewRouter creates the admin routes:
//
//	GET /healthz     liveness check
//	GET /metrics     counters and histograms in Prometheus text format
//	GET /partitions  node status with partition ownership and lane statistics (JSON)
//	GET /lanes       raw lane timers (JSON)
func NewRouter(src Source) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w, true)
	})

	r.Get("/partitions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, src.Status())
	})

	r.Get("/lanes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		gometrics.WriteJSONOnce(src.Partitions().Registry(), w)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Errorf("failed to encode response: %v", err)
	}
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server serves the admin routes
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// Start listens on addr (host:port, port 0 picks a free port) and serves the admin api
func Start(addr string, src Source) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin api: %w", err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           NewRouter(src),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("admin api stopped: %v", err)
		}
	}()
	Logger.Infof("admin api listening on %s", ln.Addr())
	return s, nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
