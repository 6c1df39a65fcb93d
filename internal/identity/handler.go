package identity

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/pkg/httputil"
)

// Handler handles HTTP requests for the identity module.
type Handler struct{}

// NewHandler creates a new identity handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterProtectedRoutes registers routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Get("/me", h.Me)
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role"`
}

// Me handles GET /me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, MeResponse{
		UserID: httputil.GetUserID(r.Context()),
		Role:   httputil.GetRole(r.Context()),
	})
}
