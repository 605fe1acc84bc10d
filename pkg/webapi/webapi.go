// Package webapi serves the internal operations endpoint: prometheus
// metrics, a health probe, and runtime log-level control.
package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	AppVersion    string
}

type WebServer struct {
	logger     *zap.Logger
	appVersion string
	httpServer *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	w := &WebServer{
		logger:     opts.Logger,
		appVersion: opts.AppVersion,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth)
	if opts.LogLevel != nil {
		// zap's AtomicLevel doubles as a GET/PUT handler
		r.Handle("/loglevel", opts.LogLevel)
	}
	r.HandleFunc("/", w.handleRoot)

	w.httpServer = &http.Server{
		Handler:      r,
		Addr:         opts.ListenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(rw).Encode(struct {
		App     string `json:"app"`
		Version string `json:"version"`
	}{
		App:     "memfleet",
		Version: w.appVersion,
	})
	if err != nil {
		w.logger.Debug("failed to write root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	if _, err := rw.Write([]byte("ok")); err != nil {
		w.logger.Debug("failed to write health response", zap.Error(err))
	}
}

func (w *WebServer) ListenAndServe() error {
	return w.httpServer.ListenAndServe()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}

var (
	globalLock      sync.Mutex
	globalWebServer *WebServer
)

// InitializeWebServer starts the process-wide operations endpoint in the
// background.  Calls after the first are ignored.
func InitializeWebServer(opts WebServerOptions) {
	globalLock.Lock()
	defer globalLock.Unlock()

	if globalWebServer != nil {
		return
	}

	srv := newWebServer(opts)
	globalWebServer = srv

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			opts.Logger.Error("operations endpoint stopped serving", zap.Error(err))
		}
	}()
}

// ShutdownWebServer gracefully stops the operations endpoint if it is
// running.
func ShutdownWebServer(ctx context.Context) error {
	globalLock.Lock()
	srv := globalWebServer
	globalWebServer = nil
	globalLock.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}
