// Package biometric talks to the face comparison engine and the reference
// image store used by the identity verification gate.
package biometric

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrReferenceNotFound means the user has no enrolled reference image.
	ErrReferenceNotFound = errors.New("reference image not found")
	// ErrEngineUnavailable wraps transport and non-2xx failures of the engine.
	ErrEngineUnavailable = errors.New("biometric engine unavailable")
)

// Comparison is the engine's verdict on a pair of images.
type Comparison struct {
	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
	Match      bool    `json:"match"`
}

// Comparer compares a live capture against a reference image.
type Comparer interface {
	Compare(ctx context.Context, reference, live []byte) (Comparison, error)
}

// ReferenceStore resolves a user's enrolled reference image.
type ReferenceStore interface {
	Reference(ctx context.Context, userID int) ([]byte, error)
}

// Digest fingerprints an image so attempts can be audited without storing it.
func Digest(image []byte) string {
	sum := blake2b.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// ─── HTTP engine client ─────────────────────────────────────────────────────

// HTTPComparer calls POST {baseURL}/compare.
type HTTPComparer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPComparer creates a comparer bounded by timeout per call.
func NewHTTPComparer(baseURL string, timeout time.Duration) *HTTPComparer {
	return &HTTPComparer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type compareRequest struct {
	Reference string `json:"reference_image"`
	Live      string `json:"live_image"`
}

func (c *HTTPComparer) Compare(ctx context.Context, reference, live []byte) (Comparison, error) {
	body, err := json.Marshal(compareRequest{
		Reference: base64.StdEncoding.EncodeToString(reference),
		Live:      base64.StdEncoding.EncodeToString(live),
	})
	if err != nil {
		return Comparison{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compare", bytes.NewReader(body))
	if err != nil {
		return Comparison{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Comparison{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Comparison{}, fmt.Errorf("%w: status %d", ErrEngineUnavailable, resp.StatusCode)
	}

	var out Comparison
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Comparison{}, fmt.Errorf("%w: decode: %v", ErrEngineUnavailable, err)
	}
	return out, nil
}

// ─── HTTP reference store ───────────────────────────────────────────────────

// HTTPReferenceStore fetches reference images from an object store. urlPattern
// takes the user id as its single %d verb.
type HTTPReferenceStore struct {
	urlPattern string
	maxBytes   int64
	client     *http.Client
}

// NewHTTPReferenceStore creates a reference store.
func NewHTTPReferenceStore(urlPattern string, maxBytes int64, timeout time.Duration) *HTTPReferenceStore {
	return &HTTPReferenceStore{
		urlPattern: urlPattern,
		maxBytes:   maxBytes,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *HTTPReferenceStore) Reference(ctx context.Context, userID int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(s.urlPattern, userID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reference image: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrReferenceNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch reference image: status %d", resp.StatusCode)
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read reference image: %w", err)
	}
	if int64(len(img)) > s.maxBytes {
		return nil, fmt.Errorf("reference image exceeds %d bytes", s.maxBytes)
	}
	if len(img) == 0 {
		return nil, ErrReferenceNotFound
	}
	return img, nil
}
