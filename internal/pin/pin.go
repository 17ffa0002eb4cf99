// internal/pin/pin.go

// Package pin pushes archived payloads to a remote pinning service. The
// pipeline never depends on pinning succeeding: the locally derived content
// address stays valid and verifiable whether or not the payload was pinned.
package pin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"repo-radar/internal/cid"
)

const (
	pinataEndpoint = "https://api.pinata.cloud/pinning/pinJSONToIPFS"
	requestTimeout = 30 * time.Second
)

// Pinner stores a payload permanently and returns a storage reference.
type Pinner interface {
	Pin(ctx context.Context, payload []byte) (string, error)
}

// Local derives the content identifier without any network access. It is
// the terminal fallback: a valid, locally verifiable CID for the payload.
type Local struct{}

func (Local) Pin(_ context.Context, payload []byte) (string, error) {
	return cid.Sum(payload), nil
}

// Pinata pins JSON payloads through the Pinata HTTP API.
type Pinata struct {
	apiKey    string
	secretKey string
	endpoint  string
	client    *http.Client
}

// NewPinata creates a Pinata client.
func NewPinata(apiKey, secretKey string) *Pinata {
	return &Pinata{
		apiKey:    apiKey,
		secretKey: secretKey,
		endpoint:  pinataEndpoint,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

func (p *Pinata) Pin(ctx context.Context, payload []byte) (string, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"pinataContent": payload})
	if err != nil {
		return "", fmt.Errorf("encode pin request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("pinata_api_key", p.apiKey)
	req.Header.Set("pinata_secret_api_key", p.secretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", fmt.Errorf("pin request failed: status %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode pin response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", fmt.Errorf("pin response missing hash")
	}
	return out.IpfsHash, nil
}

// Fallback tries the primary pinner and degrades to the local CID when it
// fails, logging the failure. Pin never returns an error from Fallback.
type Fallback struct {
	primary Pinner
	logger  *slog.Logger
}

// NewFallback wraps a primary pinner with local degradation.
func NewFallback(primary Pinner, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, logger: logger}
}

func (f *Fallback) Pin(ctx context.Context, payload []byte) (string, error) {
	if f.primary != nil {
		ref, err := f.primary.Pin(ctx, payload)
		if err == nil {
			return ref, nil
		}
		f.logger.Warn("Pinning failed, computing local content address", "error", err)
	}
	return Local{}.Pin(ctx, payload)
}

// FromCredentials builds the pinner chain for the configured credentials:
// Pinata with local fallback when keys are present, local-only otherwise.
func FromCredentials(apiKey, secretKey string, logger *slog.Logger) Pinner {
	if apiKey == "" || secretKey == "" {
		return NewFallback(nil, logger)
	}
	return NewFallback(NewPinata(apiKey, secretKey), logger)
}
