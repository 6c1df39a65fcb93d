package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groeimetai/certminter/internal/domain"
)

type staticValidator struct{}

func (staticValidator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	if token != "good" {
		return "", "", errors.New("bad token")
	}
	return "user-1", domain.RoleOperator, nil
}

func TestAuthMiddleware(t *testing.T) {
	var got Principal
	h := AuthMiddleware(staticValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "bearer good", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
	assert.Equal(t, Principal{UserID: "user-1", Role: domain.RoleOperator}, got)
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireRole(domain.RoleOperator)(ok)

	for role, status := range map[domain.Role]int{
		domain.RoleUser:     http.StatusForbidden,
		domain.RoleOperator: http.StatusNoContent,
		domain.RoleAdmin:    http.StatusNoContent,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithPrincipal(req.Context(), Principal{UserID: "u", Role: role}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, status, rec.Code, role)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"https://academy.example"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/me", nil)
	req.Header.Set("Origin", "https://academy.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://academy.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type sampleRequest struct {
	Address string   `json:"student_address" validate:"omitempty,eth_addr"`
	Score   *float64 `json:"score" validate:"omitempty,min=0,max=100"`
	Tags    []string `json:"achievements" validate:"max=2,dive,required"`
	Name    string   `json:"course_name" validate:"required"`
}

func TestValidationError(t *testing.T) {
	score := 120.0
	err := NewValidator().Struct(sampleRequest{
		Address: "0x123",
		Score:   &score,
		Tags:    []string{"ok", ""},
	})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	ValidationError(rec, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error struct {
			Message string       `json:"message"`
			Details []FieldError `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "validation error", body.Error.Message)

	fields := make(map[string]string)
	for _, d := range body.Error.Details {
		fields[d.Field] = d.Message
	}
	assert.Equal(t, "must be a 0x-prefixed 20 byte hex address", fields["student_address"])
	assert.Equal(t, "must be at most 100", fields["score"])
	assert.Equal(t, "is required", fields["achievements[1]"])
	assert.Equal(t, "is required", fields["course_name"])
}

func TestHandleError(t *testing.T) {
	errMissing := errors.New("thing not found")
	mappings := []ErrorMapping{{Error: errMissing, Status: http.StatusNotFound}}

	rec := httptest.NewRecorder()
	HandleError(context.Background(), rec, errMissing, mappings)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "thing not found")

	rec = httptest.NewRecorder()
	HandleError(context.Background(), rec, context.DeadlineExceeded, mappings)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = httptest.NewRecorder()
	HandleError(context.Background(), rec, errors.New("db exploded"), mappings)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "exploded")
}
