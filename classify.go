package escrow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// PaymentKind discriminates the two operations carried by the single
// payment wire scheme.
type PaymentKind int

const (
	// KindUnknown is the zero value; classification never returns it
	// alongside a nil error.
	KindUnknown PaymentKind = iota
	// KindCreation carries a signed authorization that opens a session.
	KindCreation
	// KindUsage carries a session handle that debits an open session.
	KindUsage
)

func (k PaymentKind) String() string {
	switch k {
	case KindCreation:
		return "creation"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// ClassifiedPayment is the tagged result of classifying a payment payload.
// Exactly one of Creation and Usage is non-nil, matching Kind.
type ClassifiedPayment struct {
	Kind     PaymentKind
	Creation *CreationPayload
	Usage    *UsagePayload
}

// The wire scheme has no discriminator field: a payload is a creation or a
// usage request by shape alone. The creation shape is the more specific one
// and is checked first; payloads satisfying neither shape, or mixing the
// two, are rejected rather than guessed.
const creationSchemaJSON = `{
	"type": "object",
	"required": ["signature", "authorization", "sessionParams", "requestId"],
	"properties": {
		"signature": {"type": "string", "minLength": 1},
		"authorization": {
			"type": "object",
			"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
			"properties": {
				"from": {"type": "string", "minLength": 1},
				"to": {"type": "string", "minLength": 1},
				"value": {"type": "string", "pattern": "^[0-9]+$"},
				"validAfter": {"type": "string", "pattern": "^[0-9]+$"},
				"validBefore": {"type": "string", "pattern": "^[0-9]+$"},
				"nonce": {"type": "string", "minLength": 1}
			}
		},
		"sessionParams": {
			"type": "object",
			"required": ["salt", "authorizationExpiry", "refundExpiry"],
			"properties": {
				"salt": {"type": "string", "minLength": 1},
				"authorizationExpiry": {"type": "integer", "minimum": 1},
				"refundExpiry": {"type": "integer", "minimum": 1}
			}
		},
		"requestId": {"type": "string", "minLength": 1}
	}
}`

const usageSchemaJSON = `{
	"type": "object",
	"required": ["session", "amount", "requestId"],
	"properties": {
		"session": {
			"type": "object",
			"required": ["id", "token"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"token": {"type": "string", "minLength": 1}
			}
		},
		"amount": {"type": "string", "pattern": "^[0-9]+$"},
		"requestId": {"type": "string", "minLength": 1}
	}
}`

var (
	schemaOnce     sync.Once
	creationSchema *gojsonschema.Schema
	usageSchema    *gojsonschema.Schema
	schemaErr      error
)

func compileSchemas() {
	creationSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(creationSchemaJSON))
	if schemaErr != nil {
		return
	}
	usageSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(usageSchemaJSON))
}

// Classify determines whether a payment payload is a session-creation or a
// session-usage request by structural matching, never by a caller-supplied
// flag. The creation shape wins when its marker fields are present; a
// usage-shaped payload that also carries signature fields is invalid.
func Classify(payloadBytes []byte) (*ClassifiedPayment, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, fmt.Errorf("failed to compile payment schemas: %w", schemaErr)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &fields); err != nil {
		return nil, NewValidationError("payment payload is not a JSON object: %v", err)
	}

	_, hasSignature := fields["signature"]
	_, hasAuthorization := fields["authorization"]
	_, hasSessionParams := fields["sessionParams"]
	_, hasSession := fields["session"]
	_, hasAmount := fields["amount"]

	// Most-specific shape wins, creation first. Any creation marker commits
	// the payload to the creation shape; a usage payload smuggling signature
	// fields fails creation validation instead of being guessed as usage.
	if hasSignature || hasAuthorization || hasSessionParams {
		if err := validateShape(creationSchema, payloadBytes, "creation"); err != nil {
			return nil, err
		}
		var creation CreationPayload
		if err := json.Unmarshal(payloadBytes, &creation); err != nil {
			return nil, NewValidationError("invalid creation payload: %v", err)
		}
		if _, err := ParseAmount(creation.Authorization.Value); err != nil {
			return nil, err
		}
		return &ClassifiedPayment{Kind: KindCreation, Creation: &creation}, nil
	}

	if hasSession && hasAmount {
		if err := validateShape(usageSchema, payloadBytes, "usage"); err != nil {
			return nil, err
		}
		var usage UsagePayload
		if err := json.Unmarshal(payloadBytes, &usage); err != nil {
			return nil, NewValidationError("invalid usage payload: %v", err)
		}
		if _, err := ParseAmount(usage.Amount); err != nil {
			return nil, err
		}
		return &ClassifiedPayment{Kind: KindUsage, Usage: &usage}, nil
	}

	return nil, NewValidationError("unrecognized payment shape: payload matches neither creation nor usage")
}

// validateShape runs a payload against one of the embedded shape schemas
// and folds schema violations into a single validation error.
func validateShape(schema *gojsonschema.Schema, payloadBytes []byte, shape string) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payloadBytes))
	if err != nil {
		return NewValidationError("schema validation failed: %v", err)
	}
	if result.Valid() {
		return nil
	}
	var descs []string
	for _, desc := range result.Errors() {
		descs = append(descs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return NewValidationError("payload does not match %s shape: %s", shape, strings.Join(descs, "; "))
}
