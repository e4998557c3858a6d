package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
)

// httpServers groups handlers by port and runs one server per port.
type httpServers struct {
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	muxes   map[int]*http.ServeMux
	servers []*http.Server
}

func newHTTPServers(logger loggingpkg.ServiceLogger) *httpServers {
	return &httpServers{logger: logger}
}

func (h *httpServers) Handle(port int, pattern string, handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.muxes == nil {
		h.muxes = make(map[int]*http.ServeMux)
	}
	mux, ok := h.muxes[port]
	if !ok {
		mux = http.NewServeMux()
		h.muxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

// Start serves every registered port in the background.
func (h *httpServers) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for port, mux := range h.muxes {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		h.servers = append(h.servers, srv)
		h.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	h.muxes = nil
}

// Shutdown stops every started server.
func (h *httpServers) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	servers := h.servers
	h.servers = nil
	h.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
