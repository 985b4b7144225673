package settle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/networks"
)

func testNetworkConfig() networks.Config {
	return networks.Config{
		Network:        "eip155:84532",
		ChainID:        big.NewInt(84532),
		Asset:          "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		AssetName:      "USDC",
		AssetVersion:   "2",
		EscrowContract: "0x4020A52a6E9B2A15f52bF45C1A2eD7053bB2d003",
		Active:         true,
	}
}

func signedAuthorization(t *testing.T) (escrow.Authorization, string, string) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	cfg := testNetworkConfig()
	auth := escrow.Authorization{
		From:        payer,
		To:          cfg.EscrowContract,
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "99999999999",
		Nonce:       "0x0101010101010101010101010101010101010101010101010101010101010101",
	}

	digest, err := HashAuthorization(auth, cfg.ChainID, cfg.Asset, cfg.AssetName, cfg.AssetVersion)
	if err != nil {
		t.Fatalf("hash authorization: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Wallets report the recovery id as 27 or 28.
	sig[64] += 27

	return auth, BytesToHex(sig), payer
}

func TestVerifyAuthorization(t *testing.T) {
	auth, sig, payer := signedAuthorization(t)
	cfg := testNetworkConfig()

	if err := VerifyAuthorization(auth, sig, cfg); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	recovered, err := RecoverAuthorizationSigner(auth, sig, cfg)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Hex() != payer {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), payer)
	}
}

func TestVerifyAuthorization_RawRecoveryID(t *testing.T) {
	auth, sig, _ := signedAuthorization(t)
	cfg := testNetworkConfig()

	// Some signers emit v as 0 or 1 instead of 27 or 28.
	raw, err := HexToBytes(sig)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[64] -= 27

	if err := VerifyAuthorization(auth, BytesToHex(raw), cfg); err != nil {
		t.Fatalf("expected valid signature with raw recovery id, got %v", err)
	}
}

func TestVerifyAuthorization_WrongSigner(t *testing.T) {
	auth, sig, _ := signedAuthorization(t)
	cfg := testNetworkConfig()

	auth.From = "0x000000000000000000000000000000000000dEaD"
	err := VerifyAuthorization(auth, sig, cfg)
	if err == nil {
		t.Fatal("expected verification failure for wrong payer")
	}
	if escrow.ReasonOf(err) != escrow.ReasonBadSignature {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonBadSignature)
	}
}

func TestVerifyAuthorization_TamperedValue(t *testing.T) {
	auth, sig, _ := signedAuthorization(t)
	cfg := testNetworkConfig()

	auth.Value = "2000000"
	if err := VerifyAuthorization(auth, sig, cfg); err == nil {
		t.Fatal("expected verification failure for tampered value")
	}
}

func TestVerifyAuthorization_BadSignatureFormat(t *testing.T) {
	auth, _, _ := signedAuthorization(t)
	cfg := testNetworkConfig()

	for _, sig := range []string{"", "0x1234", "not-hex"} {
		if err := VerifyAuthorization(auth, sig, cfg); err == nil {
			t.Fatalf("expected error for signature %q", sig)
		}
	}
}

func TestToBytes32(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"full width", "0x0101010101010101010101010101010101010101010101010101010101010101", false},
		{"short value left-pads", "0xff", false},
		{"empty", "0x", false},
		{"too long", "0x010101010101010101010101010101010101010101010101010101010101010101", true},
		{"not hex", "0xzz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := toBytes32(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.in == "0xff" && out[31] != 0xff {
				t.Fatalf("expected left padding, got %x", out)
			}
		})
	}
}
