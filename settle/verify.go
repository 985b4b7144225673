package settle

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/networks"
)

// RecoverAuthorizationSigner recovers the address that signed an ERC-3009
// authorization for the given network's token.
func RecoverAuthorizationSigner(
	authorization escrow.Authorization,
	signature string,
	cfg networks.Config,
) (common.Address, error) {
	digest, err := HashAuthorization(authorization, cfg.ChainID, cfg.Asset, cfg.AssetName, cfg.AssetVersion)
	if err != nil {
		return common.Address{}, err
	}

	sigBytes, err := HexToBytes(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sigBytes))
	}

	// Normalize the recovery id: wallets produce v in {27, 28}.
	sigCopy := make([]byte, 65)
	copy(sigCopy, sigBytes)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyAuthorization checks that the authorization was signed by its
// declared payer. Sessions are only ever opened from a verified
// authorization; usage requests carry no signature.
func VerifyAuthorization(
	authorization escrow.Authorization,
	signature string,
	cfg networks.Config,
) error {
	recovered, err := RecoverAuthorizationSigner(authorization, signature, cfg)
	if err != nil {
		return escrow.NewAuthenticationError(escrow.ReasonBadSignature, "signature recovery failed: %v", err)
	}
	if !strings.EqualFold(recovered.Hex(), authorization.From) {
		return escrow.NewAuthenticationError(escrow.ReasonBadSignature,
			"signature does not match payer %s", authorization.From)
	}
	return nil
}
