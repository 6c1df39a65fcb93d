// Package fake provides an in-memory mint client that can be scripted to
// fail with any mint error kind.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/minting"
)

// Failure scripts the outcome of one MintCertificate call.
type Failure struct {
	Kind minting.ErrorKind
	// Landed records the certificate on chain before returning the error,
	// as when a confirmation is lost after the transaction was mined.
	Landed bool
}

// Client implements minting.MintClient in memory.
type Client struct {
	mu        sync.Mutex
	wallet    domain.WalletState
	minter    bool
	failures  []Failure
	onChain   map[string]*minting.MintResult
	nextToken uint64
	mints     int
	lookups   int
	costGwei  int64
	delay     time.Duration
}

// New creates a connected fake wallet holding the minter role.
func New() *Client {
	return &Client{
		wallet: domain.WalletState{
			Address:    "0x00000000000000000000000000000000000000a1",
			Connected:  true,
			BalanceWei: "1000000000000000000",
			CanMint:    true,
			Network:    "simulated",
		},
		minter:   true,
		onChain:  make(map[string]*minting.MintResult),
		costGwei: 3_700_000,
	}
}

// SetConnected changes wallet connectivity.
func (c *Client) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallet.Connected = connected
}

// SetCanMint changes the wallet's reported ability to mint.
func (c *Client) SetCanMint(canMint bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallet.CanMint = canMint
}

// SetMinter grants or revokes the minter role.
func (c *Client) SetMinter(minter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minter = minter
}

// FailNext scripts the next MintCertificate calls to fail in order.
func (c *Client) FailNext(failures ...Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, failures...)
}

// SetDelay makes each MintCertificate call wait d before it completes,
// like a confirmation wait. The wait ends early when ctx is done.
func (c *Client) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Seed records a certificate on chain without a mint call.
func (c *Client) Seed(data domain.MintData) *minting.MintResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLocked(ContentHash(data))
}

// Mints returns the number of MintCertificate calls.
func (c *Client) Mints() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mints
}

// Lookups returns the number of LookupCertificate calls.
func (c *Client) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// OnChain returns the number of recorded certificates.
func (c *Client) OnChain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.onChain)
}

// GetWalletState returns the scripted wallet.
func (c *Client) GetWalletState(_ context.Context) (*domain.WalletState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.wallet
	if !w.Connected {
		w.CanMint = false
	}
	return &w, nil
}

// CanMintCertificates reports the minter role.
func (c *Client) CanMintCertificates(_ context.Context, _ string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minter, nil
}

// MintCertificate mints unless a failure is scripted. Minting a content
// hash that is already on chain fails as a duplicate.
func (c *Client) MintCertificate(ctx context.Context, data domain.MintData) (*minting.MintResult, error) {
	c.mu.Lock()
	c.mints++
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hash := ContentHash(data)
	if err := ctx.Err(); err != nil {
		return nil, &minting.MintError{Kind: minting.KindTransactionTimeout, Err: err, ContentHash: hash}
	}
	if !c.wallet.Connected {
		return nil, minting.NewMintError(minting.KindWalletNotConnected, errors.New("wallet not connected"))
	}

	if len(c.failures) > 0 {
		f := c.failures[0]
		c.failures = c.failures[1:]

		mintErr := &minting.MintError{
			Kind:        f.Kind,
			Err:         fmt.Errorf("simulated %s", f.Kind),
			ContentHash: hash,
		}
		if f.Landed {
			landed := c.recordLocked(hash)
			mintErr.TransactionHash = landed.TransactionHash
			mintErr.CostGwei = landed.CostGwei
		}
		return nil, mintErr
	}

	if _, ok := c.onChain[hash]; ok {
		return nil, &minting.MintError{
			Kind:        minting.KindDuplicate,
			Err:         errors.New("Certificate already exists"),
			ContentHash: hash,
		}
	}
	res := *c.recordLocked(hash)
	return &res, nil
}

// LookupCertificate finds a recorded certificate by content hash.
func (c *Client) LookupCertificate(_ context.Context, contentHash string) (*minting.MintResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++

	res, ok := c.onChain[contentHash]
	if !ok {
		return nil, minting.ErrNotOnChain
	}
	out := *res
	return &out, nil
}

func (c *Client) recordLocked(hash string) *minting.MintResult {
	c.nextToken++
	res := &minting.MintResult{
		Success:         true,
		TokenID:         c.nextToken,
		TransactionHash: crypto.Keccak256Hash([]byte(hash), []byte{byte(c.nextToken)}).Hex(),
		ContentHash:     hash,
		Network:         c.wallet.Network,
		ContractAddress: "0x00000000000000000000000000000000000000c0",
		CostGwei:        c.costGwei,
		MintedAt:        time.Now().UTC(),
	}
	c.onChain[hash] = res
	return res
}

// ContentHash is the fake's deterministic content hash for mint data.
func ContentHash(data domain.MintData) string {
	return crypto.Keccak256Hash(
		[]byte(data.CertificateNumber),
		[]byte(data.StudentAddress),
		[]byte(data.CourseID),
	).Hex()
}
