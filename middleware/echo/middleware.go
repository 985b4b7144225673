// Package echo provides the resource-server payment middleware for Echo
// applications, mirroring the gin middleware: payment payloads arrive in
// the X-PAYMENT header and are forwarded to the facilitator.
package echo

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/labstack/echo/v4"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/facilitatorclient"
)

const (
	PaymentHeader = "X-PAYMENT"
	ReceiptHeader = "X-PAYMENT-RESPONSE"
)

// MiddlewareOptions configures the payment middleware.
type MiddlewareOptions struct {
	FacilitatorURL string
	Network        escrow.Network
	Description    string
}

// Option mutates MiddlewareOptions.
type Option func(*MiddlewareOptions)

func WithFacilitatorURL(url string) Option {
	return func(o *MiddlewareOptions) { o.FacilitatorURL = url }
}

func WithNetwork(network escrow.Network) Option {
	return func(o *MiddlewareOptions) { o.Network = network }
}

func WithDescription(description string) Option {
	return func(o *MiddlewareOptions) { o.Description = description }
}

// PaymentMiddleware charges amount (smallest token unit) per request to
// payTo through the escrow facilitator.
func PaymentMiddleware(amount *big.Int, payTo string, opts ...Option) echo.MiddlewareFunc {
	options := &MiddlewareOptions{
		FacilitatorURL: facilitatorclient.DefaultFacilitatorURL,
		Network:        "eip155:8453",
	}
	for _, opt := range opts {
		opt(options)
	}
	client := facilitatorclient.NewClient(options.FacilitatorURL)

	accepts := []map[string]interface{}{{
		"scheme":            escrow.SchemeEscrow,
		"network":           options.Network,
		"maxAmountRequired": amount.String(),
		"payTo":             payTo,
		"description":       options.Description,
	}}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(PaymentHeader)
			if header == "" {
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":   "X-PAYMENT header is required",
					"accepts": accepts,
				})
			}
			payload, err := base64.StdEncoding.DecodeString(header)
			if err != nil {
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":   "X-PAYMENT header is not valid base64",
					"accepts": accepts,
				})
			}

			outcome, err := client.Pay(c.Request().Context(), facilitatorclient.PaymentRequest{
				Network: options.Network,
				PayTo:   payTo,
				Payload: payload,
			})
			if err != nil {
				return c.JSON(http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
			}
			if !outcome.Accepted() {
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":   outcome.Err,
					"accepts": accepts,
				})
			}

			if outcome.Creation != nil {
				return c.JSON(http.StatusCreated, outcome.Creation)
			}

			if raw, err := json.Marshal(outcome.Receipt); err == nil {
				c.Response().Header().Set(ReceiptHeader, base64.StdEncoding.EncodeToString(raw))
			}
			return next(c)
		}
	}
}
