package httpapi

import (
	"context"
	"net/http"
	"testing"
)

func TestServerStartShutdown(t *testing.T) {
	s := Start(context.Background(), "127.0.0.1:0", http.NotFoundHandler())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	var none *Server
	if err := none.Shutdown(context.Background()); err != nil {
		t.Errorf("nil server Shutdown: %v", err)
	}
}
