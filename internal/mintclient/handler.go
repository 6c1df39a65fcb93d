package mintclient

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/groeimetai/certminter/internal/pkg/httputil"
	"github.com/groeimetai/certminter/internal/registry"
)

// Handler exposes registry administration and public verification.
type Handler struct {
	client *Client
}

// NewHandler creates a new registry handler.
func NewHandler(client *Client) *Handler {
	return &Handler{client: client}
}

// RegisterAdminRoutes registers routes that require the admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/pause", h.Pause)
	r.Post("/unpause", h.Unpause)
	r.Post("/certificates/{tokenId}/revoke", h.Revoke)
}

// RegisterPublicRoutes registers public verification routes.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/certificates/{tokenId}", h.Verify)
}

// CertificateResponse is the public view of an on-chain record.
type CertificateResponse struct {
	TokenID         uint64    `json:"token_id"`
	Student         string    `json:"student"`
	CourseID        string    `json:"course_id"`
	CourseName      string    `json:"course_name"`
	CompletionDate  time.Time `json:"completion_date"`
	ContentHash     string    `json:"content_hash"`
	IsValid         bool      `json:"is_valid"`
	MintedAt        time.Time `json:"minted_at"`
	TransactionHash string    `json:"transaction_hash"`
}

func toResponse(c *registry.Certificate) CertificateResponse {
	return CertificateResponse{
		TokenID:         c.ID,
		Student:         c.Student.Hex(),
		CourseID:        c.CourseID,
		CourseName:      c.CourseName,
		CompletionDate:  c.CompletionDate,
		ContentHash:     c.ContentHash,
		IsValid:         c.IsValid,
		MintedAt:        c.MintedAt,
		TransactionHash: c.TransactionHash.Hex(),
	}
}

// Verify handles GET /certificates/{tokenId} request.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := parseTokenID(w, r)
	if !ok {
		return
	}

	cert, err := h.client.Verify(r.Context(), tokenID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, registryErrors)
		return
	}
	httputil.Success(w, http.StatusOK, toResponse(cert))
}

// Revoke handles POST /certificates/{tokenId}/revoke request.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := parseTokenID(w, r)
	if !ok {
		return
	}

	receipt, err := h.client.Revoke(r.Context(), tokenID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, registryErrors)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"token_id":         receipt.CertificateID,
		"transaction_hash": receipt.TransactionHash.Hex(),
	})
}

// Pause handles POST /pause request.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Pause(r.Context()); err != nil {
		httputil.HandleError(r.Context(), w, err, registryErrors)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]bool{"paused": true})
}

// Unpause handles POST /unpause request.
func (h *Handler) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Unpause(r.Context()); err != nil {
		httputil.HandleError(r.Context(), w, err, registryErrors)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]bool{"paused": false})
}

func parseTokenID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	tokenID, err := strconv.ParseUint(chi.URLParam(r, "tokenId"), 10, 64)
	if err != nil || tokenID == 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid token id")
		return 0, false
	}
	return tokenID, true
}

var registryErrors = []httputil.ErrorMapping{
	{Error: registry.ErrCertificateNotFound, Status: http.StatusNotFound},
	{Error: registry.ErrAlreadyRevoked, Status: http.StatusConflict},
	{Error: registry.ErrPaused, Status: http.StatusConflict},
	{Error: registry.ErrNotPaused, Status: http.StatusConflict},
	{Error: registry.ErrMissingRole, Status: http.StatusForbidden},
}
