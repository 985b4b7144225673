// Package facilitatorclient is the resource server's HTTP client for the
// escrow facilitator: it forwards classified payment payloads and reads
// the discovery endpoint.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	escrow "github.com/x402-labs/escrow"
)

// DefaultFacilitatorURL is the facilitator used when none is configured.
const DefaultFacilitatorURL = "http://localhost:4021"

// PaymentRequest is the envelope posted to the facilitator's payment
// endpoint.
type PaymentRequest struct {
	Network escrow.Network  `json:"network"`
	PayTo   string          `json:"payTo,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// PaymentOutcome is the facilitator's answer to a payment submission.
// Exactly one of Creation and Receipt is set on success.
type PaymentOutcome struct {
	StatusCode int
	Creation   *escrow.CreationResponse
	Receipt    *escrow.ReceiptView
	Err        *escrow.PaymentError
}

// Accepted reports whether the facilitator accepted the payment.
func (o *PaymentOutcome) Accepted() bool {
	return o.Err == nil
}

// Client talks to one facilitator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultFacilitatorURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Pay submits a payment payload. Creation payloads open sessions; usage
// payloads debit them. Rejections are returned inside the outcome, not as
// a transport error.
func (c *Client) Pay(ctx context.Context, req PaymentRequest) (*PaymentOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach facilitator: %w", err)
	}
	defer resp.Body.Close()

	outcome := &PaymentOutcome{StatusCode: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusCreated:
		var creation escrow.CreationResponse
		if err := json.NewDecoder(resp.Body).Decode(&creation); err != nil {
			return nil, fmt.Errorf("failed to decode creation response: %w", err)
		}
		outcome.Creation = &creation
	case http.StatusOK:
		var receipt escrow.ReceiptView
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
		outcome.Receipt = &receipt
	default:
		var wrapped struct {
			Error *escrow.PaymentError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil || wrapped.Error == nil {
			return nil, fmt.Errorf("facilitator returned status %d", resp.StatusCode)
		}
		outcome.Err = wrapped.Error
	}
	return outcome, nil
}

// Supported fetches the facilitator's discovery response.
func (c *Client) Supported(ctx context.Context) (*escrow.SupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach facilitator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var supported escrow.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode discovery response: %w", err)
	}
	return &supported, nil
}
