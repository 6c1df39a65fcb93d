// Package certificates issues course completion certificates and tracks
// their blockchain records.
package certificates

import (
	"context"
	"errors"

	"github.com/groeimetai/certminter/internal/domain"
)

// Certificate errors.
var (
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrNumberExists        = errors.New("certificate number already exists")
	ErrNoStudentAddress    = errors.New("certificate has no student wallet address")
	ErrForbidden           = errors.New("certificate belongs to another user")
)

// Repository defines the interface for certificate persistence.
type Repository interface {
	Create(ctx context.Context, cert *domain.Certificate) error
	GetByID(ctx context.Context, id string) (*domain.Certificate, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Certificate, error)
	SetQueueItem(ctx context.Context, id, queueItemID string) error
	SetBlockchain(ctx context.Context, id string, ref *domain.BlockchainRef) error
}
