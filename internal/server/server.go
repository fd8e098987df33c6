package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Server struct {
	srv *http.Server
}

func New(ctx context.Context, address string, hub *Hub, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", hub.HandleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Liveliness and readiness probes
	mux.HandleFunc("/healthz", healthZHandleFunc())
	mux.HandleFunc("/readyz", readyZHandleFunc(ctx))

	srv := &http.Server{
		Addr: address,
		// Use h2c, so we can serve HTTP/2 without TLS.
		Handler: h2c.NewHandler(
			mux,
			&http2.Server{},
		),
		ReadHeaderTimeout: time.Second,
		MaxHeaderBytes:    16 * 1024, // 16KiB
		BaseContext: func(listener net.Listener) context.Context {
			return ctx
		},
	}

	return &Server{
		srv: srv,
	}
}

func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

var (
	statusHealthy    = []byte(`{"status":"HEALTHY"}`)
	statusNotServing = []byte(`{"status":"NOT_SERVING"}`)
	statusServing    = []byte(`{"status":"SERVING"}`)
)

func readyZHandleFunc(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		if ctx.Err() != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write(statusNotServing)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(statusServing)
	}
}

func healthZHandleFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(statusHealthy)
	}
}
