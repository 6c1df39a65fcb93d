package mintclient

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/minting"
	"github.com/groeimetai/certminter/internal/registry"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var blockTime = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), weiPerGwei)
}

type testEnv struct {
	client   *Client
	wallet   *Wallet
	registry *registry.Registry
}

func newTestEnv(t *testing.T, cfg Config, grantMinter bool) *testEnv {
	t.Helper()

	wallet, err := NewWallet(WalletConfig{
		PrivateKey:        "0x" + testKey,
		Network:           "simulated",
		InitialBalanceWei: gwei(1_000_000_000),
		GasPriceWei:       gwei(20),
		MaxGasPriceWei:    gwei(100),
	})
	require.NoError(t, err)

	deployer := wallet.Address()
	if !grantMinter {
		deployer[0] ^= 0xff
	}
	reg := registry.New(deployer, registry.WithClock(func() time.Time { return blockTime }))

	if cfg.Network == "" {
		cfg.Network = "simulated"
	}
	return &testEnv{
		client:   New(cfg, wallet, reg, nil),
		wallet:   wallet,
		registry: reg,
	}
}

func testMintData() domain.MintData {
	return domain.MintData{
		StudentAddress:    "0x1111111111111111111111111111111111111111",
		StudentName:       "Ada Lovelace",
		CourseID:          "course-go",
		CourseName:        "Practical Go",
		InstructorName:    "Rob",
		CompletionDate:    time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		CertificateNumber: "CERT-0001",
	}
}

func mintKind(t *testing.T, err error) minting.ErrorKind {
	t.Helper()
	var mintErr *minting.MintError
	require.True(t, errors.As(err, &mintErr), "expected mint error, got %v", err)
	return mintErr.Kind
}

func TestNewWallet_InvalidKey(t *testing.T) {
	_, err := NewWallet(WalletConfig{PrivateKey: "not-a-key"})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestClient_MintCertificate_Success(t *testing.T) {
	env := newTestEnv(t, Config{ContractAddress: "0xc0"}, true)
	ctx := context.Background()

	before := env.wallet.BalanceWei()
	result, err := env.client.MintCertificate(ctx, testMintData())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, uint64(1), result.TokenID)
	assert.NotEmpty(t, result.ContentHash)
	assert.NotEmpty(t, result.TransactionHash)
	assert.Equal(t, "simulated", result.Network)
	assert.Equal(t, "0xc0", result.ContractAddress)
	assert.Equal(t, blockTime, result.MintedAt)
	assert.Equal(t, int64(20*registry.MintGas), result.CostGwei)

	spent := new(big.Int).Sub(before, env.wallet.BalanceWei())
	assert.Equal(t, gwei(int64(20*registry.MintGas)).String(), spent.String())

	found, err := env.client.LookupCertificate(ctx, result.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, result.TokenID, found.TokenID)
	assert.Equal(t, result.TransactionHash, found.TransactionHash)

	_, err = env.client.LookupCertificate(ctx, "0xmissing")
	assert.ErrorIs(t, err, minting.ErrNotOnChain)
}

func TestClient_MintCertificate_DuplicateContentHash(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	ctx := context.Background()

	first, err := env.client.MintCertificate(ctx, testMintData())
	require.NoError(t, err)

	_, err = env.client.MintCertificate(ctx, testMintData())
	require.Error(t, err)
	assert.Equal(t, minting.KindDuplicate, mintKind(t, err))
	assert.Contains(t, err.Error(), "Certificate already exists")

	var mintErr *minting.MintError
	require.True(t, errors.As(err, &mintErr))
	assert.Equal(t, first.ContentHash, mintErr.ContentHash)
}

func TestClient_MintCertificate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		minter bool
		setup  func(env *testEnv)
		data   func(d *domain.MintData)
		kind   minting.ErrorKind
	}{
		{
			name:   "wallet disconnected",
			minter: true,
			setup:  func(env *testEnv) { env.wallet.SetConnected(false) },
			kind:   minting.KindWalletNotConnected,
		},
		{
			name:   "missing minter role",
			minter: false,
			kind:   minting.KindPermissionDenied,
		},
		{
			name:   "registry paused",
			minter: true,
			setup: func(env *testEnv) {
				require.NoError(t, env.client.Pause(context.Background()))
			},
			kind: minting.KindRegistryPaused,
		},
		{
			name:   "gas price too high",
			minter: true,
			setup:  func(env *testEnv) { env.wallet.SetGasPrice(gwei(500)) },
			kind:   minting.KindGasPriceTooHigh,
		},
		{
			name:   "insufficient balance",
			minter: true,
			setup: func(env *testEnv) {
				env.wallet.Fund(new(big.Int).Neg(env.wallet.BalanceWei()))
			},
			kind: minting.KindInsufficientBalance,
		},
		{
			name:   "invalid student address",
			minter: true,
			data:   func(d *domain.MintData) { d.StudentAddress = "student" },
			kind:   minting.KindInvalidMintData,
		},
		{
			name:   "completion date in the future",
			minter: true,
			data:   func(d *domain.MintData) { d.CompletionDate = blockTime.Add(24 * time.Hour) },
			kind:   minting.KindInvalidMintData,
		},
		{
			name:   "empty course name",
			minter: true,
			data:   func(d *domain.MintData) { d.CourseName = "" },
			kind:   minting.KindInvalidMintData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, tt.minter)
			if tt.setup != nil {
				tt.setup(env)
			}
			data := testMintData()
			if tt.data != nil {
				tt.data(&data)
			}

			_, err := env.client.MintCertificate(context.Background(), data)
			require.Error(t, err)
			assert.Equal(t, tt.kind, mintKind(t, err))
			assert.Zero(t, env.registry.TotalCertificates())
		})
	}
}

func TestClient_MintCertificate_GasPriceMessage(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	env.wallet.SetGasPrice(gwei(101))

	_, err := env.client.MintCertificate(context.Background(), testMintData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Gas price too high")
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, []byte) (string, error) {
	return "", errors.New("connection refused")
}

func TestClient_MintCertificate_UploadFailure(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	env.client.uploader = failingUploader{}

	_, err := env.client.MintCertificate(context.Background(), testMintData())
	require.Error(t, err)
	assert.Equal(t, minting.KindMetadataUploadFailed, mintKind(t, err))
}

func TestClient_MintCertificate_ConfirmationTimeout(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmationDelay: time.Hour}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.client.MintCertificate(ctx, testMintData())
	require.Error(t, err)
	assert.Equal(t, minting.KindTransactionTimeout, mintKind(t, err))

	var mintErr *minting.MintError
	require.True(t, errors.As(err, &mintErr))
	require.NotEmpty(t, mintErr.ContentHash)
	assert.NotEmpty(t, mintErr.TransactionHash)

	// Gas was spent on the submitted transaction.
	assert.Positive(t, mintErr.CostGwei)
	spent := new(big.Int).Sub(gwei(1_000_000_000), env.wallet.BalanceWei())
	assert.Zero(t, gwei(mintErr.CostGwei).Cmp(spent))

	found, err := env.client.LookupCertificate(context.Background(), mintErr.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, mintErr.TransactionHash, found.TransactionHash)
}

func TestClient_GetWalletState(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	ctx := context.Background()

	state, err := env.client.GetWalletState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Connected)
	assert.True(t, state.CanMint)
	assert.Equal(t, env.wallet.Address().Hex(), state.Address)
	assert.Equal(t, gwei(1_000_000_000).String(), state.BalanceWei)

	env.wallet.SetGasPrice(gwei(500))
	state, err = env.client.GetWalletState(ctx)
	require.NoError(t, err)
	assert.False(t, state.CanMint)

	env.wallet.SetConnected(false)
	state, err = env.client.GetWalletState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Connected)
	assert.False(t, state.CanMint)

	balance, err := env.wallet.BalanceGwei(ctx)
	assert.Error(t, err)
	assert.Zero(t, balance)
}

func TestClient_CanMintCertificates(t *testing.T) {
	env := newTestEnv(t, Config{}, false)
	ctx := context.Background()

	ok, err := env.client.CanMintCertificates(ctx, env.wallet.Address().Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := env.client.GetWalletState(ctx)
	require.NoError(t, err)
	assert.False(t, state.CanMint)

	_, err = env.client.CanMintCertificates(ctx, "nope")
	assert.Error(t, err)
}

func TestClient_RevokeAndVerify(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	ctx := context.Background()

	result, err := env.client.MintCertificate(ctx, testMintData())
	require.NoError(t, err)

	cert, err := env.client.Verify(ctx, result.TokenID)
	require.NoError(t, err)
	assert.True(t, cert.IsValid)

	_, err = env.client.Revoke(ctx, result.TokenID)
	require.NoError(t, err)

	cert, err = env.client.Verify(ctx, result.TokenID)
	require.NoError(t, err)
	assert.False(t, cert.IsValid)

	_, err = env.client.Revoke(ctx, result.TokenID)
	assert.ErrorIs(t, err, registry.ErrAlreadyRevoked)
}

func TestBuildMetadata_NormalizesText(t *testing.T) {
	composed := testMintData()
	composed.StudentName = "Zo\u00eb"
	decomposed := testMintData()
	decomposed.StudentName = "Zoe\u0308 "

	a, err := BuildMetadata(composed).Encode()
	require.NoError(t, err)
	b, err := BuildMetadata(decomposed).Encode()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	ha, err := HashUploader{}.Upload(context.Background(), a)
	require.NoError(t, err)
	hb, err := HashUploader{}.Upload(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestBuildMetadata_OptionalAttributes(t *testing.T) {
	data := testMintData()
	score := 92.5
	data.Grade = "A"
	data.Score = &score
	data.Achievements = []string{"Top of class"}

	meta := BuildMetadata(data)
	assert.Equal(t, "Practical Go - Ada Lovelace", meta.Name)

	traits := make(map[string]string)
	for _, a := range meta.Attributes {
		traits[a.TraitType] = a.Value
	}
	assert.Equal(t, "A", traits["Grade"])
	assert.Equal(t, "92.5", traits["Score"])
	assert.Equal(t, "Top of class", traits["Achievement"])
	assert.Equal(t, "2026-03-15", traits["Completion Date"])
}
