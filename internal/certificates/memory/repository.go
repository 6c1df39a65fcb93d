// Package memory stores certificates in process memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groeimetai/certminter/internal/certificates"
	"github.com/groeimetai/certminter/internal/domain"
)

// Repository implements certificates.Repository in memory.
type Repository struct {
	mu    sync.RWMutex
	certs map[string]*domain.Certificate
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{certs: make(map[string]*domain.Certificate)}
}

// Create stores a new certificate.
func (r *Repository) Create(_ context.Context, cert *domain.Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.certs {
		if existing.CertificateNumber == cert.CertificateNumber {
			return certificates.ErrNumberExists
		}
	}
	r.certs[cert.ID] = clone(cert)
	return nil
}

// GetByID returns a certificate by ID.
func (r *Repository) GetByID(_ context.Context, id string) (*domain.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cert, ok := r.certs[id]
	if !ok {
		return nil, certificates.ErrCertificateNotFound
	}
	return clone(cert), nil
}

// ListByUser returns the user's certificates, newest first.
func (r *Repository) ListByUser(_ context.Context, userID string) ([]*domain.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Certificate, 0)
	for _, cert := range r.certs {
		if cert.UserID == userID {
			out = append(out, clone(cert))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SetQueueItem links a certificate to its queue item.
func (r *Repository) SetQueueItem(_ context.Context, id, queueItemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cert, ok := r.certs[id]
	if !ok {
		return certificates.ErrCertificateNotFound
	}
	cert.QueueItemID = queueItemID
	cert.UpdatedAt = time.Now()
	return nil
}

// SetBlockchain stores the on-chain reference of a certificate.
func (r *Repository) SetBlockchain(_ context.Context, id string, ref *domain.BlockchainRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cert, ok := r.certs[id]
	if !ok {
		return certificates.ErrCertificateNotFound
	}
	copied := *ref
	cert.Blockchain = &copied
	cert.UpdatedAt = time.Now()
	return nil
}

func clone(c *domain.Certificate) *domain.Certificate {
	out := *c
	out.Achievements = append([]string(nil), c.Achievements...)
	if c.Score != nil {
		s := *c.Score
		out.Score = &s
	}
	if c.Blockchain != nil {
		ref := *c.Blockchain
		out.Blockchain = &ref
	}
	return &out
}
