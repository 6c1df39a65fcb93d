package certificates

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/minting"
	"github.com/groeimetai/certminter/internal/status"
)

// Minter mints outside the queue and reports the wallet.
type Minter interface {
	GetWalletState(ctx context.Context) (*domain.WalletState, error)
	MintNow(ctx context.Context, data domain.MintData) (*minting.MintResult, error)
}

// Enqueuer queues minting work.
type Enqueuer interface {
	Enqueue(ctx context.Context, req minting.EnqueueRequest) (*minting.QueueItem, bool, error)
}

// StatusResolver resolves blockchain status.
type StatusResolver interface {
	Resolve(ctx context.Context, cert *domain.Certificate) (*status.BlockchainStatus, error)
}

// IssueInput describes a completed course to certify.
type IssueInput struct {
	UserID            string
	CourseID          string
	CourseName        string
	StudentName       string
	StudentAddress    string
	InstructorName    string
	CompletionDate    time.Time
	CertificateNumber string
	Grade             string
	Score             *float64
	Achievements      []string
}

// Service provides certificate business logic.
type Service struct {
	repo     Repository
	minter   Minter
	queue    Enqueuer
	resolver StatusResolver
	now      func() time.Time
}

// NewService creates a new certificate service.
func NewService(repo Repository, minter Minter, queue Enqueuer, resolver StatusResolver) *Service {
	return &Service{
		repo:     repo,
		minter:   minter,
		queue:    queue,
		resolver: resolver,
		now:      time.Now,
	}
}

// Issue stores a certificate and starts putting it on chain when the
// student has a wallet address.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*domain.Certificate, error) {
	now := s.now()
	cert := &domain.Certificate{
		ID:                uuid.NewString(),
		UserID:            in.UserID,
		CourseID:          in.CourseID,
		CourseName:        in.CourseName,
		StudentName:       in.StudentName,
		StudentAddress:    in.StudentAddress,
		InstructorName:    in.InstructorName,
		CompletionDate:    in.CompletionDate,
		CertificateNumber: in.CertificateNumber,
		Grade:             in.Grade,
		Score:             in.Score,
		Achievements:      in.Achievements,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if cert.CertificateNumber == "" {
		cert.CertificateNumber = newCertificateNumber(now)
	}
	if cert.Achievements == nil {
		cert.Achievements = make([]string, 0)
	}

	if err := s.repo.Create(ctx, cert); err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	slog.Info("certificate issued",
		"certificate_id", cert.ID,
		"user_id", cert.UserID,
		"course_id", cert.CourseID,
	)

	if cert.StudentAddress != "" {
		if err := s.autoEnable(ctx, cert); err != nil {
			return nil, err
		}
	}
	return cert, nil
}

// autoEnable mints right away when the wallet can, and otherwise leaves the
// work to the queue. A disconnected wallet gets a low priority since an
// operator has to step in first. Once minting starts the caller can no
// longer cancel it, so the result is always recorded.
func (s *Service) autoEnable(ctx context.Context, cert *domain.Certificate) error {
	ctx = context.WithoutCancel(ctx)

	wallet, err := s.minter.GetWalletState(ctx)
	if err != nil || !wallet.CanMint {
		if err != nil {
			slog.Warn("wallet state unavailable, queueing certificate", "certificate_id", cert.ID, "error", err)
		}
		return s.enqueue(ctx, cert, minting.PriorityWalletUnavailable)
	}

	result, err := s.minter.MintNow(ctx, cert.MintData())
	if err != nil {
		slog.Warn("inline mint failed, queueing certificate", "certificate_id", cert.ID, "error", err)
		return s.enqueue(ctx, cert, minting.PriorityDefault)
	}
	return s.attach(ctx, cert, result.BlockchainRef())
}

// EnableBlockchain is the user-triggered path: mint now, or queue with a
// high priority when that fails.
func (s *Service) EnableBlockchain(ctx context.Context, id, userID string, admin bool) (*status.BlockchainStatus, error) {
	cert, err := s.GetCertificate(ctx, id, userID, admin)
	if err != nil {
		return nil, err
	}
	if cert.Blockchain != nil {
		return s.resolver.Resolve(ctx, cert)
	}
	if cert.StudentAddress == "" {
		return nil, ErrNoStudentAddress
	}

	// A transaction may land after the caller goes away; record the outcome
	// regardless.
	ctx = context.WithoutCancel(ctx)
	result, err := s.minter.MintNow(ctx, cert.MintData())
	if err != nil {
		slog.Warn("manual mint failed, queueing certificate",
			"certificate_id", cert.ID,
			"error", err,
		)
		if err := s.enqueue(ctx, cert, minting.PriorityManual); err != nil {
			return nil, err
		}
	} else if err := s.attach(ctx, cert, result.BlockchainRef()); err != nil {
		return nil, err
	}

	return s.resolver.Resolve(ctx, cert)
}

// GetCertificate returns a certificate visible to userID.
func (s *Service) GetCertificate(ctx context.Context, id, userID string, admin bool) (*domain.Certificate, error) {
	cert, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && cert.UserID != userID {
		return nil, ErrForbidden
	}
	return cert, nil
}

// ListUserCertificates returns the certificates of a user.
func (s *Service) ListUserCertificates(ctx context.Context, userID string) ([]*domain.Certificate, error) {
	return s.repo.ListByUser(ctx, userID)
}

// GetBlockchainStatus returns the blockchain status of a certificate.
func (s *Service) GetBlockchainStatus(ctx context.Context, id, userID string, admin bool) (*status.BlockchainStatus, error) {
	cert, err := s.GetCertificate(ctx, id, userID, admin)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, cert)
}

// OnMinted attaches the on-chain reference once the queue completes an item.
func (s *Service) OnMinted(ctx context.Context, item *minting.QueueItem, result *minting.MintResult) error {
	if err := s.repo.SetBlockchain(ctx, item.CertificateID, result.BlockchainRef()); err != nil {
		return fmt.Errorf("set blockchain reference: %w", err)
	}
	slog.Info("certificate recorded on chain",
		"certificate_id", item.CertificateID,
		"token_id", result.TokenID,
		"tx_hash", result.TransactionHash,
	)
	return nil
}

func (s *Service) enqueue(ctx context.Context, cert *domain.Certificate, priority int) error {
	item, _, err := s.queue.Enqueue(ctx, minting.EnqueueRequest{
		CertificateID: cert.ID,
		UserID:        cert.UserID,
		CourseID:      cert.CourseID,
		MintData:      cert.MintData(),
		Priority:      priority,
	})
	if err != nil {
		return fmt.Errorf("enqueue certificate: %w", err)
	}
	if err := s.repo.SetQueueItem(ctx, cert.ID, item.ID); err != nil {
		return fmt.Errorf("set queue item: %w", err)
	}
	cert.QueueItemID = item.ID
	return nil
}

func (s *Service) attach(ctx context.Context, cert *domain.Certificate, ref *domain.BlockchainRef) error {
	if err := s.repo.SetBlockchain(ctx, cert.ID, ref); err != nil {
		return fmt.Errorf("set blockchain reference: %w", err)
	}
	cert.Blockchain = ref
	return nil
}

func newCertificateNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("CERT-%s-%s", now.UTC().Format("20060102"), suffix)
}
