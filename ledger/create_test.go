package ledger

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/settle"
)

// signedCreation builds a creation payload with a real signature over the
// authorization, the way a payer wallet would.
func signedCreation(t *testing.T, value string) escrow.CreationPayload {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	registry := testRegistry()
	cfg, err := registry.Get(testNetwork)
	if err != nil {
		t.Fatalf("network config: %v", err)
	}

	now := time.Now().UTC()
	auth := escrow.Authorization{
		From:        payer,
		To:          cfg.EscrowContract,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(now.Add(2*time.Hour).Unix(), 10),
		Nonce:       "0x0202020202020202020202020202020202020202020202020202020202020202",
	}
	digest, err := settle.HashAuthorization(auth, cfg.ChainID, cfg.Asset, cfg.AssetName, cfg.AssetVersion)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27

	return escrow.CreationPayload{
		Signature:     settle.BytesToHex(sig),
		Authorization: auth,
		SessionParams: escrow.SessionParams{
			Salt:                "0x03",
			AuthorizationExpiry: now.Add(time.Hour).Unix(),
			RefundExpiry:        now.Add(90 * time.Minute).Unix(),
		},
		RequestID: "create-1",
	}
}

func TestCreateSession(t *testing.T) {
	settler := settle.NewFakeSettler()
	l, store := newTestLedger(t, settler)
	payload := signedCreation(t, "25000")

	resp, err := l.CreateSession(context.Background(), testNetwork, payload, "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("creation must return the capability token")
	}
	if resp.Session.Status != "active" {
		t.Fatalf("status = %s, want active", resp.Session.Status)
	}
	if resp.Session.Balance.Available != "25000" || resp.Session.Balance.Authorized != "25000" {
		t.Fatalf("balance = %+v, want full deposit available", resp.Session.Balance)
	}

	// The stored record keeps only the token hash; the token itself works.
	sess, err := store.Get(context.Background(), resp.Session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.TokenHash == resp.Token {
		t.Fatal("plaintext token must not be stored")
	}
	if !tokenMatches(sess.TokenHash, resp.Token) {
		t.Fatal("returned token does not match stored hash")
	}
}

func TestCreateSession_NonceReplay(t *testing.T) {
	l, _ := newTestLedger(t, settle.NewFakeSettler())
	payload := signedCreation(t, "25000")

	if _, err := l.CreateSession(context.Background(), testNetwork, payload, "0xabc0000000000000000000000000000000000001"); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := l.CreateSession(context.Background(), testNetwork, payload, "0xabc0000000000000000000000000000000000001")
	if escrow.ReasonOf(err) != escrow.ReasonNonceAlreadyUsed {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonNonceAlreadyUsed)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	l, _ := newTestLedger(t, settle.NewFakeSettler())

	tests := []struct {
		name   string
		mutate func(*escrow.CreationPayload)
		reason string
	}{
		{
			name:   "deposit below minimum",
			mutate: func(p *escrow.CreationPayload) {},
			reason: escrow.ReasonDepositOutOfBounds,
		},
		{
			name: "tampered value",
			mutate: func(p *escrow.CreationPayload) {
				p.Authorization.Value = "30000"
			},
			reason: escrow.ReasonBadSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := "25000"
			if tt.reason == escrow.ReasonDepositOutOfBounds {
				value = "10"
			}
			payload := signedCreation(t, value)
			tt.mutate(&payload)

			_, err := l.CreateSession(context.Background(), testNetwork, payload, "0xabc0000000000000000000000000000000000002")
			if escrow.ReasonOf(err) != tt.reason {
				t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), tt.reason)
			}
		})
	}
}

func TestCreateSession_UnsupportedNetwork(t *testing.T) {
	l, _ := newTestLedger(t, settle.NewFakeSettler())
	payload := signedCreation(t, "25000")

	_, err := l.CreateSession(context.Background(), "eip155:1", payload, "0xabc0000000000000000000000000000000000003")
	if escrow.ReasonOf(err) != escrow.ReasonUnsupportedNetwork {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonUnsupportedNetwork)
	}
}
