// Package gin provides the resource-server payment middleware for the
// escrow scheme: requests present a payment payload in the X-PAYMENT
// header, the middleware forwards it to the facilitator, and unpaid
// requests receive 402 with the accepted payment kinds.
package gin

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/facilitatorclient"
)

// PaymentHeader carries the base64-encoded payment payload.
const PaymentHeader = "X-PAYMENT"

// ReceiptHeader carries the debit receipt back to the caller.
const ReceiptHeader = "X-PAYMENT-RESPONSE"

// MiddlewareOptions configures the payment middleware.
type MiddlewareOptions struct {
	FacilitatorURL string
	Network        escrow.Network
	Description    string
}

// Option mutates MiddlewareOptions.
type Option func(*MiddlewareOptions)

// WithFacilitatorURL overrides the default facilitator.
func WithFacilitatorURL(url string) Option {
	return func(o *MiddlewareOptions) { o.FacilitatorURL = url }
}

// WithNetwork sets the network advertised in 402 responses.
func WithNetwork(network escrow.Network) Option {
	return func(o *MiddlewareOptions) { o.Network = network }
}

// WithDescription sets the resource description advertised in 402 responses.
func WithDescription(description string) Option {
	return func(o *MiddlewareOptions) { o.Description = description }
}

// PaymentMiddleware charges amount (smallest token unit) per request to
// payTo. Creation payloads open a session and return its handle to the
// caller without executing the resource; usage payloads debit and fall
// through to the handler.
func PaymentMiddleware(amount *big.Int, payTo string, opts ...Option) gin.HandlerFunc {
	options := &MiddlewareOptions{
		FacilitatorURL: facilitatorclient.DefaultFacilitatorURL,
		Network:        "eip155:8453",
	}
	for _, opt := range opts {
		opt(options)
	}
	client := facilitatorclient.NewClient(options.FacilitatorURL)

	accepts := []gin.H{{
		"scheme":            escrow.SchemeEscrow,
		"network":           options.Network,
		"maxAmountRequired": amount.String(),
		"payTo":             payTo,
		"description":       options.Description,
	}}

	return func(c *gin.Context) {
		header := c.GetHeader(PaymentHeader)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "X-PAYMENT header is required",
				"accepts": accepts,
			})
			return
		}
		payload, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "X-PAYMENT header is not valid base64",
				"accepts": accepts,
			})
			return
		}

		outcome, err := client.Pay(c.Request.Context(), facilitatorclient.PaymentRequest{
			Network: options.Network,
			PayTo:   payTo,
			Payload: payload,
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if !outcome.Accepted() {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   outcome.Err,
				"accepts": accepts,
			})
			return
		}

		// A creation payload opens the session; the resource itself is
		// served on subsequent usage payloads.
		if outcome.Creation != nil {
			c.AbortWithStatusJSON(http.StatusCreated, outcome.Creation)
			return
		}

		c.Header(ReceiptHeader, encodeReceipt(outcome.Receipt))
		c.Next()
	}
}

func encodeReceipt(receipt *escrow.ReceiptView) string {
	if receipt == nil {
		return ""
	}
	raw, err := json.Marshal(receipt)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
