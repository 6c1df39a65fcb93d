// Package ipfs uploads certificate metadata through the IPFS HTTP API.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 5
	addPath          = "/api/v0/add"
)

// Config holds IPFS uploader configuration.
type Config struct {
	APIURL  string
	Timeout time.Duration
	// RateLimit is the maximum number of uploads per second.
	RateLimit float64
}

// Uploader adds documents to an IPFS node and pins them.
type Uploader struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewUploader creates a new IPFS uploader.
func NewUploader(config Config) *Uploader {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")

	return &Uploader{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Upload adds the document and returns its CID.
func (u *Uploader) Upload(ctx context.Context, document []byte) (string, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for upload slot: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "metadata.json")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(document); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	url := u.config.APIURL + addPath + "?pin=true&cid-version=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Message: fmt.Sprintf("send request: %v", err), Temporary: true}
	}
	defer func() { _ = resp.Body.Close() }()

	return u.handleResponse(resp)
}

func (u *Uploader) handleResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &UploadError{
			Code:      resp.StatusCode,
			Message:   strings.TrimSpace(string(body)),
			Temporary: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var added addResponse
	if err := json.Unmarshal(body, &added); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if added.Hash == "" {
		return "", &UploadError{Code: resp.StatusCode, Message: "response has no hash"}
	}

	slog.Debug("metadata pinned to ipfs", "cid", added.Hash, "size", added.Size)
	return added.Hash, nil
}

// UploadError is returned when the IPFS node rejects or fails an upload.
type UploadError struct {
	Code      int
	Message   string
	Temporary bool
}

func (e *UploadError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("ipfs error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("ipfs error: %s", e.Message)
}

// IsRetryable reports whether the upload may succeed later.
func (e *UploadError) IsRetryable() bool { return e.Temporary }
