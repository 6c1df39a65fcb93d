//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/minting"
	"github.com/groeimetai/certminter/internal/testutil"
)

// studentAddress is a well-formed checksummed address used as the certificate recipient.
const studentAddress = "0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF"

type envelope[T any] struct {
	Data T `json:"data"`
}

type issuedCertificate struct {
	ID          string `json:"id"`
	QueueItemID string `json:"queue_item_id"`
	Blockchain  *struct {
		TokenID uint64 `json:"token_id"`
	} `json:"blockchain"`
}

// truncateQueue empties the queue so tests that count items start clean.
func truncateQueue(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `TRUNCATE mint_queue`)
	require.NoError(t, err)
}

// newQueueItem builds a pending item for a fresh certificate.
func newQueueItem(priority int, createdAt time.Time) *minting.QueueItem {
	certID := uuid.NewString()
	return &minting.QueueItem{
		CertificateID: certID,
		UserID:        "user-" + certID[:8],
		CourseID:      "go-101",
		MintData: domain.MintData{
			StudentAddress:    studentAddress,
			StudentName:       "Sam Doe",
			CourseID:          "go-101",
			CourseName:        "Practical Go",
			CompletionDate:    time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			CertificateNumber: "CERT-" + certID[:8],
		},
		Status:      minting.QueueStatusPending,
		MaxAttempts: 3,
		Priority:    priority,
		NotBefore:   createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// issueCertificate issues a certificate through the API as an operator.
func issueCertificate(t *testing.T, client *testutil.Client, userID, address string) issuedCertificate {
	t.Helper()

	client.LoginAs(t, testApp.Tokens(), "operator-1", domain.RoleOperator)
	resp, err := client.POST("/api/v1/admin/certificates", map[string]interface{}{
		"user_id":         userID,
		"course_id":       "go-101",
		"course_name":     "Practical Go",
		"student_name":    "Sam Doe",
		"student_address": address,
		"instructor_name": "R. Pike",
		"completion_date": "2026-03-15T00:00:00Z",
		"grade":           "A",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out envelope[issuedCertificate]
	testutil.DecodeJSON(t, resp, &out)
	return out.Data
}
