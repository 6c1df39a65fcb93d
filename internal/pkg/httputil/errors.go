package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/groeimetai/certminter/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to a response status.
// An empty Message exposes err.Error() to the caller.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
}

// HandleError writes the response for the first mapping err matches.
// Unmapped errors are logged and hidden behind a 500, except timeouts,
// which become 504.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		Error(w, m.Status, msg)
		return
	}

	logger := ctxlog.FromContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("request timed out", "error", err)
		Error(w, http.StatusGatewayTimeout, "request timed out")
		return
	}
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
