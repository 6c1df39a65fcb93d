package certificates

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/pkg/httputil"
)

// Handler handles HTTP requests for certificates.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new certificates handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: httputil.NewValidator(),
	}
}

// RegisterRoutes registers routes available to any authenticated user.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/me/certificates", h.ListMine)
	r.Route("/certificates/{id}", func(r chi.Router) {
		r.Get("/", h.GetCertificate)
		r.Get("/blockchain", h.GetBlockchainStatus)
		r.Post("/blockchain", h.EnableBlockchain)
	})
}

// RegisterOperatorRoutes registers routes that issue certificates.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/certificates", h.Issue)
}

// IssueRequest represents the request body for issuing a certificate.
type IssueRequest struct {
	UserID            string    `json:"user_id" validate:"required"`
	CourseID          string    `json:"course_id" validate:"required"`
	CourseName        string    `json:"course_name" validate:"required,max=255"`
	StudentName       string    `json:"student_name" validate:"required,max=255"`
	StudentAddress    string    `json:"student_address" validate:"omitempty,eth_addr"`
	InstructorName    string    `json:"instructor_name" validate:"max=255"`
	CompletionDate    time.Time `json:"completion_date" validate:"required"`
	CertificateNumber string    `json:"certificate_number" validate:"omitempty,max=64"`
	Grade             string    `json:"grade" validate:"max=32"`
	Score             *float64  `json:"score" validate:"omitempty,min=0,max=100"`
	Achievements      []string  `json:"achievements" validate:"max=50,dive,required,max=255"`
}

// Issue handles POST /admin/certificates request.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	cert, err := h.service.Issue(r.Context(), IssueInput{
		UserID:            req.UserID,
		CourseID:          req.CourseID,
		CourseName:        req.CourseName,
		StudentName:       req.StudentName,
		StudentAddress:    req.StudentAddress,
		InstructorName:    req.InstructorName,
		CompletionDate:    req.CompletionDate,
		CertificateNumber: req.CertificateNumber,
		Grade:             req.Grade,
		Score:             req.Score,
		Achievements:      req.Achievements,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, certificateErrors)
		return
	}
	httputil.Success(w, http.StatusCreated, cert)
}

// ListMine handles GET /me/certificates request.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	certs, err := h.service.ListUserCertificates(r.Context(), httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, certificateErrors)
		return
	}
	httputil.Success(w, http.StatusOK, certs)
}

// GetCertificate handles GET /certificates/{id} request.
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	userID, admin := caller(r)
	cert, err := h.service.GetCertificate(r.Context(), chi.URLParam(r, "id"), userID, admin)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, certificateErrors)
		return
	}
	httputil.Success(w, http.StatusOK, cert)
}

// GetBlockchainStatus handles GET /certificates/{id}/blockchain request.
func (h *Handler) GetBlockchainStatus(w http.ResponseWriter, r *http.Request) {
	userID, admin := caller(r)
	st, err := h.service.GetBlockchainStatus(r.Context(), chi.URLParam(r, "id"), userID, admin)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, certificateErrors)
		return
	}
	httputil.Success(w, http.StatusOK, st)
}

// EnableBlockchain handles POST /certificates/{id}/blockchain request.
func (h *Handler) EnableBlockchain(w http.ResponseWriter, r *http.Request) {
	userID, admin := caller(r)
	st, err := h.service.EnableBlockchain(r.Context(), chi.URLParam(r, "id"), userID, admin)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, certificateErrors)
		return
	}
	httputil.Success(w, http.StatusAccepted, st)
}

func caller(r *http.Request) (string, bool) {
	return httputil.GetUserID(r.Context()), httputil.GetRole(r.Context()).HasPermission(domain.RoleOperator)
}

var certificateErrors = []httputil.ErrorMapping{
	{Error: ErrCertificateNotFound, Status: http.StatusNotFound},
	{Error: ErrForbidden, Status: http.StatusNotFound, Message: ErrCertificateNotFound.Error()},
	{Error: ErrNumberExists, Status: http.StatusConflict},
	{Error: ErrNoStudentAddress, Status: http.StatusBadRequest},
}
