package mintclient

import (
	"context"

	"github.com/ethereum/go-ethereum/crypto"
)

// Uploader stores a metadata document and returns its content hash.
type Uploader interface {
	Upload(ctx context.Context, document []byte) (string, error)
}

// HashUploader derives the content hash locally without storing the
// document. Used when no content store is configured.
type HashUploader struct{}

// Upload returns the keccak-256 hash of the document.
func (HashUploader) Upload(ctx context.Context, document []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(document).Hex(), nil
}
