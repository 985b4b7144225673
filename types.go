package escrow

// SchemeEscrow identifies the pay-once, spend-many escrow scheme.
const SchemeEscrow = "escrow"

// Authorization is an ERC-3009 style off-chain signed transfer authorization.
// It is the seed of a session's deposit. All uint256 values are decimal
// integer strings in the token's smallest unit.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SessionParams carries the session lifetime requested by a creation payload.
// Expiries are unix seconds.
type SessionParams struct {
	Salt                string `json:"salt"`
	AuthorizationExpiry int64  `json:"authorizationExpiry"`
	RefundExpiry        int64  `json:"refundExpiry"`
}

// CreationPayload opens a new session from a signed authorization.
type CreationPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
	SessionParams SessionParams `json:"sessionParams"`
	RequestID     string        `json:"requestId"`
}

// SessionHandle references an existing session. The token is a capability
// credential returned once at creation; usage payloads are signature-free.
type SessionHandle struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// UsagePayload debits an existing session.
type UsagePayload struct {
	Session   SessionHandle `json:"session"`
	Amount    string        `json:"amount"`
	RequestID string        `json:"requestId"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	Scheme  string                 `json:"scheme"`
	Network Network                `json:"network"`
	Asset   string                 `json:"asset"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds this facilitator supports
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// BalanceView is the wire projection of a session balance. Amounts are
// decimal integer strings, never JSON numbers, to avoid precision loss.
type BalanceView struct {
	Authorized string `json:"authorized"`
	Captured   string `json:"captured"`
	Pending    string `json:"pending"`
	Available  string `json:"available"`
	Reclaimed  string `json:"reclaimed"`
}

// SessionView is the wire projection of a session.
type SessionView struct {
	ID                  string      `json:"id"`
	NetworkID           Network     `json:"networkId"`
	Payer               string      `json:"payer"`
	Receiver            string      `json:"receiver"`
	Status              string      `json:"status"`
	Balance             BalanceView `json:"balance"`
	AuthorizationExpiry int64       `json:"authorizationExpiry"`
	RefundExpiry        int64       `json:"refundExpiry"`
	CreatedAt           int64       `json:"createdAt"`
}

// CreationResponse is returned once when a session is opened. The token is
// not recoverable afterwards; the server stores only its hash.
type CreationResponse struct {
	Session SessionView `json:"session"`
	Token   string      `json:"token"`
}

// ReceiptView is the wire projection of a debit receipt.
type ReceiptView struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Amount    string `json:"amount"`
	RequestID string `json:"requestId"`
	CreatedAt int64  `json:"createdAt"`
}

// TxRefResponse reports an on-chain operation accepted by the ledger.
type TxRefResponse struct {
	SessionID   string `json:"sessionId"`
	Transaction string `json:"transaction,omitempty"`
	Amount      string `json:"amount"`
}
