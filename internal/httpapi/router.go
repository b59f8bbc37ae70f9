package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
)

// SetupRouter sets up HTTP routes. /version is served without auth.
func SetupRouter(handler *Handler, apiKey string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", handler.GetVersion)
	mux.Handle("GET /run", AuthMiddleware(apiKey, http.HandlerFunc(handler.GetRun)))
	mux.Handle("GET /metrics", AuthMiddleware(apiKey, http.HandlerFunc(handler.GetMetrics)))
	return mux
}

// shutdownTimeout bounds graceful shutdown
const shutdownTimeout = 5 * time.Second

// Server is the optional status server of a run
type Server struct {
	srv  *http.Server
	done chan struct{}
}

// Start serves handler on addr in the background
func Start(ctx context.Context, addr string, handler http.Handler) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		logger.Info(ctx, "status server starting", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "status server error", err)
		}
	}()
	return s
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
