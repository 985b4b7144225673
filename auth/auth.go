package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/nonce"
	"github.com/x402-labs/escrow/settle"
)

// ErrUserNotFound is returned for unknown user ids.
var ErrUserNotFound = errors.New("user not found")

// NonceTTL bounds how long a sign-in nonce stays claimable.
const NonceTTL = 5 * time.Minute

// SignInStatement is the human-readable statement wallets sign. The nonce
// is appended so every signature is bound to one claimable value.
const SignInStatement = "Sign in to the escrow facilitator.\nNonce: "

// Service verifies wallet sign-ins and mints identity tokens.
type Service struct {
	nonces nonce.Store
	users  UserStore
	tokens *TokenProvider
	logger *zap.Logger
}

func NewService(nonces nonce.Store, users UserStore, tokens *TokenProvider, logger *zap.Logger) *Service {
	return &Service{nonces: nonces, users: users, tokens: tokens, logger: logger}
}

// IssueNonce returns a fresh single-use nonce and the exact message the
// wallet must sign.
func (s *Service) IssueNonce(ctx context.Context) (value, message string, expiresAt time.Time, err error) {
	token, err := s.nonces.Issue(ctx, nonce.ScopeAuth, NonceTTL)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to issue nonce: %w", err)
	}
	return token.Value, SignInStatement + token.Value, token.ExpiresAt, nil
}

// VerifyResult is a successful sign-in.
type VerifyResult struct {
	User      *User
	Token     string
	ExpiresAt time.Time
}

// Verify checks the personal_sign signature over the nonce statement,
// atomically claims the nonce with the wallet as claimant, and mints an
// identity token. The claim is the replay barrier: of N concurrent
// verifications with one nonce, exactly one signs in.
func (s *Service) Verify(ctx context.Context, wallet, nonceValue, signature string) (*VerifyResult, error) {
	recovered, err := recoverPersonalSign(SignInStatement+nonceValue, signature)
	if err != nil {
		return nil, escrow.NewAuthenticationError(escrow.ReasonBadSignature, "signature recovery failed: %v", err)
	}
	if !strings.EqualFold(recovered.Hex(), wallet) {
		return nil, escrow.NewAuthenticationError(escrow.ReasonBadSignature,
			"signature does not match wallet %s", wallet)
	}

	claim, err := s.nonces.Claim(ctx, nonceValue, strings.ToLower(wallet), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim nonce: %w", err)
	}
	if err := claim.Err(); err != nil {
		return nil, err
	}

	user, err := s.users.GetOrCreate(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, user.Wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to mint identity token: %w", err)
	}

	s.logger.Info("wallet signed in",
		zap.String("userId", user.ID),
		zap.String("wallet", user.Wallet),
	)
	return &VerifyResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

// Authenticate resolves an identity token to its user.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*User, error) {
	userID, _, err := s.tokens.Validate(tokenString)
	if err != nil {
		return nil, escrow.NewAuthenticationError(escrow.ReasonBadSignature, "invalid identity token")
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, escrow.NewAuthenticationError(escrow.ReasonBadSignature, "unknown user")
	}
	return user, nil
}

// recoverPersonalSign recovers the signer of an EIP-191 personal_sign
// message: keccak256("\x19Ethereum Signed Message:\n" + len + message).
func recoverPersonalSign(message, signature string) (common.Address, error) {
	sigBytes, err := settle.HexToBytes(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sigBytes))
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := crypto.Keccak256([]byte(prefixed))

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
