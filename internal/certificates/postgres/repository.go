// Package postgres provides PostgreSQL implementation of the certificates repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groeimetai/certminter/internal/certificates"
	"github.com/groeimetai/certminter/internal/domain"
	pgutil "github.com/groeimetai/certminter/internal/pkg/postgres"
)

// Repository implements certificates.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const certColumns = `id, user_id, course_id, course_name, student_name, student_address, instructor_name,
	completion_date, certificate_number, grade, score, achievements, COALESCE(queue_item_id::text, ''),
	blockchain, created_at, updated_at`

// Create stores a new certificate.
func (r *Repository) Create(ctx context.Context, cert *domain.Certificate) error {
	achievements, err := json.Marshal(cert.Achievements)
	if err != nil {
		return fmt.Errorf("marshal achievements: %w", err)
	}

	query := `
		INSERT INTO certificates (id, user_id, course_id, course_name, student_name, student_address,
			instructor_name, completion_date, certificate_number, grade, score, achievements,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`
	_, err = r.db.Exec(ctx, query,
		cert.ID,
		cert.UserID,
		cert.CourseID,
		cert.CourseName,
		cert.StudentName,
		cert.StudentAddress,
		cert.InstructorName,
		cert.CompletionDate,
		cert.CertificateNumber,
		cert.Grade,
		cert.Score,
		achievements,
		cert.CreatedAt,
	)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			return certificates.ErrNumberExists
		}
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

// GetByID returns a certificate by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Certificate, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, certificates.ErrCertificateNotFound
	}

	query := `SELECT ` + certColumns + ` FROM certificates WHERE id = $1`
	cert, err := scanCertificate(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, certificates.ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	return cert, nil
}

// ListByUser returns the user's certificates, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*domain.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Certificate, 0)
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		out = append(out, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return out, nil
}

// SetQueueItem links a certificate to its queue item.
func (r *Repository) SetQueueItem(ctx context.Context, id, queueItemID string) error {
	query := `UPDATE certificates SET queue_item_id = $2, updated_at = NOW() WHERE id = $1`
	return r.update(ctx, query, id, queueItemID)
}

// SetBlockchain stores the on-chain reference of a certificate.
func (r *Repository) SetBlockchain(ctx context.Context, id string, ref *domain.BlockchainRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal blockchain reference: %w", err)
	}
	query := `UPDATE certificates SET blockchain = $2, updated_at = NOW() WHERE id = $1`
	return r.update(ctx, query, id, data)
}

func (r *Repository) update(ctx context.Context, query, id string, value any) error {
	if _, err := uuid.Parse(id); err != nil {
		return certificates.ErrCertificateNotFound
	}
	tag, err := r.db.Exec(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return certificates.ErrCertificateNotFound
	}
	return nil
}

func scanCertificate(row pgx.Row) (*domain.Certificate, error) {
	var (
		cert         domain.Certificate
		achievements []byte
		blockchain   []byte
	)
	err := row.Scan(
		&cert.ID,
		&cert.UserID,
		&cert.CourseID,
		&cert.CourseName,
		&cert.StudentName,
		&cert.StudentAddress,
		&cert.InstructorName,
		&cert.CompletionDate,
		&cert.CertificateNumber,
		&cert.Grade,
		&cert.Score,
		&achievements,
		&cert.QueueItemID,
		&blockchain,
		&cert.CreatedAt,
		&cert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(achievements, &cert.Achievements); err != nil {
		return nil, fmt.Errorf("unmarshal achievements: %w", err)
	}
	if len(blockchain) > 0 {
		var ref domain.BlockchainRef
		if err := json.Unmarshal(blockchain, &ref); err != nil {
			return nil, fmt.Errorf("unmarshal blockchain reference: %w", err)
		}
		cert.Blockchain = &ref
	}
	return &cert, nil
}
