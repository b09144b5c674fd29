package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/communergy/trusted-entity/internal/domain"
)

// ErrUpstreamUnavailable covers every way the proof-computation service can
// fail: unreachable, timing out, answering non-2xx, or answering with a
// payload we cannot use. It is always surfaced to the caller, never
// swallowed.
var ErrUpstreamUnavailable = errors.New("proof service unavailable")

// validateResponse accepts both the minimal payload and the richer one that
// includes the record snapshot. Older revisions of the service named the
// cost field energyRecordCost.
type validateResponse struct {
	Proof      string               `json:"proof"`
	Cost       string               `json:"cost"`
	RecordCost string               `json:"energyRecordCost"`
	Record     *domain.EnergyRecord `json:"energyRecord"`
}

// Client calls the stateless proof-computation service. It owns its HTTP
// client so the upstream timeout is bounded regardless of caller context.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Validate asks the proof service for a cost proof over one energy record.
func (c *Client) Validate(ctx context.Context, recordID uuid.UUID) (*domain.ValidationResult, error) {
	url := fmt.Sprintf("%s/validate/%s", c.baseURL, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Double-wrap so callers can distinguish a timeout from other
		// transport failures.
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var payload validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrUpstreamUnavailable, err)
	}
	if payload.Proof == "" {
		return nil, fmt.Errorf("%w: response carries no proof", ErrUpstreamUnavailable)
	}

	cost, err := normalizeCost(payload)
	if err != nil {
		return nil, err
	}

	return &domain.ValidationResult{
		Proof:  payload.Proof,
		Cost:   cost,
		Record: payload.Record,
	}, nil
}

// normalizeCost picks the cost out of whichever field the service used and
// normalizes it through an exact decimal. Floats never enter the picture;
// monetary drift from re-encoding is the failure this guards against.
func normalizeCost(payload validateResponse) (string, error) {
	raw := payload.Cost
	if raw == "" {
		raw = payload.RecordCost
	}
	if raw == "" && payload.Record != nil {
		// Minimal deployments return only the snapshot; the displayed cost
		// is the consumer price of the record.
		return payload.Record.ConsumerPrice.String(), nil
	}
	if raw == "" {
		return "", fmt.Errorf("%w: response carries no cost", ErrUpstreamUnavailable)
	}
	cost, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid cost %q", ErrUpstreamUnavailable, raw)
	}
	return cost.String(), nil
}
