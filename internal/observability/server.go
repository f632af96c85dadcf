package observability

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// NewMux returns the operational endpoints: /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve listens on addr with NewMux until the listener fails. Run it in
// its own goroutine.
func Serve(addr string, logger *zap.Logger) {
	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, NewMux()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", zap.Error(err))
	}
}
