// Package registry implements the certificate registry contract semantics:
// an append-only, role-gated, pausable store of certificate records keyed by
// content hash.
package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Role is an access control role.
type Role string

// Contract roles.
const (
	RoleAdmin  Role = "DEFAULT_ADMIN_ROLE"
	RoleMinter Role = "MINTER_ROLE"
)

// Gas charged per mint transaction.
const MintGas uint64 = 185_000

// Certificate is an on-chain certificate record.
type Certificate struct {
	ID              uint64
	Student         common.Address
	CourseID        string
	CourseName      string
	CompletionDate  time.Time
	ContentHash     string
	IsValid         bool
	MintedAt        time.Time
	TransactionHash common.Hash
}

// MintRequest holds the arguments of a mint call.
type MintRequest struct {
	Student        common.Address
	CourseID       string
	CourseName     string
	CompletionDate time.Time
	ContentHash    string
}

// Receipt is the confirmed result of a state-changing call.
type Receipt struct {
	CertificateID   uint64
	TransactionHash common.Hash
	GasUsed         uint64
	BlockTime       time.Time
}

// Registry is an in-process registry contract. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	records   []*Certificate
	byHash    map[string]uint64
	byStudent map[common.Address][]uint64
	roles     map[Role]map[common.Address]bool
	paused    bool
	nonce     uint64

	events *eventLog
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry block clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New deploys a registry. The deployer holds the admin and minter roles.
func New(deployer common.Address, opts ...Option) *Registry {
	r := &Registry{
		byHash:    make(map[string]uint64),
		byStudent: make(map[common.Address][]uint64),
		roles: map[Role]map[common.Address]bool{
			RoleAdmin:  {deployer: true},
			RoleMinter: {deployer: true},
		},
		events: newEventLog(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mint records a new certificate and returns its receipt.
func (r *Registry) Mint(ctx context.Context, caller common.Address, req MintRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasRoleLocked(RoleMinter, caller) {
		return nil, fmt.Errorf("%w %s", ErrMissingRole, RoleMinter)
	}
	if r.paused {
		return nil, ErrPaused
	}

	now := r.now()
	if err := validateMint(req, now); err != nil {
		return nil, err
	}
	if _, exists := r.byHash[req.ContentHash]; exists {
		return nil, ErrCertificateExists
	}

	id := uint64(len(r.records)) + 1
	txHash := r.nextTxHash(caller, []byte(req.ContentHash))

	cert := &Certificate{
		ID:              id,
		Student:         req.Student,
		CourseID:        req.CourseID,
		CourseName:      req.CourseName,
		CompletionDate:  req.CompletionDate,
		ContentHash:     req.ContentHash,
		IsValid:         true,
		MintedAt:        now,
		TransactionHash: txHash,
	}
	r.records = append(r.records, cert)
	r.byHash[req.ContentHash] = id
	r.byStudent[req.Student] = append(r.byStudent[req.Student], id)

	r.events.emit(Event{
		Type:            EventMinted,
		CertificateID:   id,
		Student:         req.Student,
		CourseID:        req.CourseID,
		ContentHash:     req.ContentHash,
		Caller:          caller,
		TransactionHash: txHash,
		BlockTime:       now,
	})

	return &Receipt{
		CertificateID:   id,
		TransactionHash: txHash,
		GasUsed:         MintGas,
		BlockTime:       now,
	}, nil
}

func validateMint(req MintRequest, now time.Time) error {
	switch {
	case req.Student == (common.Address{}):
		return ErrInvalidStudent
	case req.CourseID == "":
		return ErrEmptyCourseID
	case req.CourseName == "":
		return ErrEmptyCourseName
	case req.ContentHash == "":
		return ErrEmptyContentHash
	case req.CompletionDate.After(now):
		return ErrFutureCompletionDate
	}
	return nil
}

// Verify returns a certificate record and logs a verification event.
// Anyone may verify, and verification works while the registry is paused.
func (r *Registry) Verify(ctx context.Context, caller common.Address, id uint64) (*Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cert, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}

	r.events.emit(Event{
		Type:          EventVerified,
		CertificateID: id,
		Student:       cert.Student,
		ContentHash:   cert.ContentHash,
		Caller:        caller,
		BlockTime:     r.now(),
	})

	out := *cert
	return &out, nil
}

// Revoke invalidates a certificate. Admin only.
func (r *Registry) Revoke(ctx context.Context, caller common.Address, id uint64) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasRoleLocked(RoleAdmin, caller) {
		return nil, fmt.Errorf("%w %s", ErrMissingRole, RoleAdmin)
	}

	cert, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if !cert.IsValid {
		return nil, ErrAlreadyRevoked
	}
	cert.IsValid = false

	now := r.now()
	txHash := r.nextTxHash(caller, []byte(cert.ContentHash))
	r.events.emit(Event{
		Type:            EventRevoked,
		CertificateID:   id,
		Student:         cert.Student,
		ContentHash:     cert.ContentHash,
		Caller:          caller,
		TransactionHash: txHash,
		BlockTime:       now,
	})

	return &Receipt{CertificateID: id, TransactionHash: txHash, BlockTime: now}, nil
}

// Pause suspends minting. Admin only.
func (r *Registry) Pause(ctx context.Context, caller common.Address) error {
	return r.setPaused(ctx, caller, true)
}

// Unpause resumes minting. Admin only.
func (r *Registry) Unpause(ctx context.Context, caller common.Address) error {
	return r.setPaused(ctx, caller, false)
}

func (r *Registry) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasRoleLocked(RoleAdmin, caller) {
		return fmt.Errorf("%w %s", ErrMissingRole, RoleAdmin)
	}
	if r.paused == paused {
		if paused {
			return ErrPaused
		}
		return ErrNotPaused
	}
	r.paused = paused

	eventType := EventUnpaused
	if paused {
		eventType = EventPaused
	}
	r.events.emit(Event{Type: eventType, Caller: caller, BlockTime: r.now()})
	return nil
}

// Paused reports whether minting is suspended.
func (r *Registry) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// GrantRole gives account a role. Admin only.
func (r *Registry) GrantRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasRoleLocked(RoleAdmin, caller) {
		return fmt.Errorf("%w %s", ErrMissingRole, RoleAdmin)
	}
	if r.roles[role] == nil {
		r.roles[role] = make(map[common.Address]bool)
	}
	r.roles[role][account] = true
	return nil
}

// RevokeRole removes a role from account. Admin only.
func (r *Registry) RevokeRole(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasRoleLocked(RoleAdmin, caller) {
		return fmt.Errorf("%w %s", ErrMissingRole, RoleAdmin)
	}
	delete(r.roles[role], account)
	return nil
}

// HasRole reports whether account holds role.
func (r *Registry) HasRole(_ context.Context, role Role, account common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasRoleLocked(role, account), nil
}

// FindByContentHash returns the record minted with contentHash.
func (r *Registry) FindByContentHash(_ context.Context, contentHash string) (*Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHash[contentHash]
	if !ok {
		return nil, ErrCertificateNotFound
	}
	out := *r.records[id-1]
	return &out, nil
}

// StudentCertificates returns the ids of certificates minted for student.
func (r *Registry) StudentCertificates(_ context.Context, student common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := append([]uint64(nil), r.byStudent[student]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TotalCertificates returns the number of minted records.
func (r *Registry) TotalCertificates() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.records))
}

// Subscribe returns a channel receiving registry events and a cancel func.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.subscribe(buffer)
}

func (r *Registry) getLocked(id uint64) (*Certificate, error) {
	if id == 0 || id > uint64(len(r.records)) {
		return nil, ErrCertificateNotFound
	}
	return r.records[id-1], nil
}

func (r *Registry) hasRoleLocked(role Role, account common.Address) bool {
	return r.roles[role][account]
}

func (r *Registry) nextTxHash(caller common.Address, data []byte) common.Hash {
	r.nonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], r.nonce)
	return crypto.Keccak256Hash(caller.Bytes(), nonce[:], data)
}
