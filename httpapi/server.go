// Package httpapi exposes the facilitator over HTTP: payment intake,
// session queries, capture and reclaim, discovery and wallet sign-in.
package httpapi

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/auth"
	"github.com/x402-labs/escrow/ledger"
	"github.com/x402-labs/escrow/networks"
	"github.com/x402-labs/escrow/ratelimit"
)

const supportedCacheTTL = 30 * time.Second

// Server wires the ledger, auth service and rate gate into a gin router.
type Server struct {
	ledger    *ledger.Ledger
	auth      *auth.Service
	registry  *networks.Registry
	limiter   ratelimit.Limiter
	logger    *zap.Logger
	supported *supportedCache

	// operatorAddress is advertised in the discovery response.
	operatorAddress string

	// captureQueue receives deferred settlements; nil forces every
	// capture to settle inline.
	captureQueue chan<- ledger.CaptureJob
}

type Options struct {
	Ledger          *ledger.Ledger
	Auth            *auth.Service
	Registry        *networks.Registry
	Limiter         ratelimit.Limiter
	Logger          *zap.Logger
	OperatorAddress string
	CaptureQueue    chan<- ledger.CaptureJob
}

func NewServer(opts Options) *Server {
	return &Server{
		ledger:          opts.Ledger,
		auth:            opts.Auth,
		registry:        opts.Registry,
		limiter:         opts.Limiter,
		logger:          opts.Logger,
		supported:       newSupportedCache(supportedCacheTTL),
		operatorAddress: opts.OperatorAddress,
		captureQueue:    opts.CaptureQueue,
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/supported", s.handleSupported)

	router.POST("/payments", s.rateGate, s.handlePayment)
	router.GET("/sessions", s.requireAuth, s.handleListSessions)
	router.GET("/sessions/:id", s.handleGetSession)
	router.POST("/sessions/:id/capture", s.requireAuth, s.handleCapture)
	router.POST("/sessions/:id/reclaim", s.requireAuth, s.handleReclaim)

	router.POST("/auth/nonce", s.rateGate, s.handleAuthNonce)
	router.POST("/auth/verify", s.rateGate, s.handleAuthVerify)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSupported(c *gin.Context) {
	resp := s.supported.get(func() *escrow.SupportedResponse {
		return &escrow.SupportedResponse{Kinds: s.registry.Kinds(s.operatorAddress)}
	})

	// An optional network filter narrows the kinds; wildcard patterns
	// like "eip155:*" match every chain in the namespace.
	if pattern := escrow.Network(c.Query("network")); pattern != "" {
		filtered := &escrow.SupportedResponse{}
		for _, kind := range resp.Kinds {
			if kind.Network.Match(pattern) {
				filtered.Kinds = append(filtered.Kinds, kind)
			}
		}
		resp = filtered
	}
	c.JSON(http.StatusOK, resp)
}

// requireAuth gates an endpoint behind a bearer identity token from
// /auth/verify.
func (s *Server) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		s.writeError(c, escrow.NewAuthenticationError(escrow.ReasonBadIdentityToken,
			"bearer token is required"))
		c.Abort()
		return
	}
	user, err := s.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		s.writeError(c, escrow.NewAuthenticationError(escrow.ReasonBadIdentityToken,
			"invalid identity token"))
		c.Abort()
		return
	}
	c.Set("user", user)
	c.Next()
}

func currentUser(c *gin.Context) *auth.User {
	v, _ := c.Get("user")
	user, _ := v.(*auth.User)
	return user
}

// rateGate is the pass/fail check consulted before any ledger operation.
func (s *Server) rateGate(c *gin.Context) {
	ok, err := s.limiter.Allow(c.Request.Context(), c.ClientIP())
	if err != nil {
		s.logger.Error("rate limiter failed", zap.Error(err))
		// Fail open: the gate protects capacity, it is not a security
		// boundary.
		c.Next()
		return
	}
	if !ok {
		s.writeError(c, &escrow.PaymentError{
			Code:    escrow.ErrCodeRateLimited,
			Message: "too many requests",
		})
		c.Abort()
		return
	}
	c.Next()
}

// PaymentRequest is the inbound payment envelope. Payload carries either a
// creation or a usage shape; the classifier decides which, structurally.
type PaymentRequest struct {
	Network escrow.Network  `json:"network"`
	PayTo   string          `json:"payTo"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, escrow.NewValidationError("invalid request body: %v", err))
		return
	}
	if req.Network == "" {
		s.writeError(c, escrow.NewValidationError("network is required"))
		return
	}
	if _, _, err := req.Network.Parse(); err != nil {
		s.writeError(c, escrow.NewValidationError("%v", err))
		return
	}

	classified, err := escrow.Classify(req.Payload)
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch classified.Kind {
	case escrow.KindCreation:
		if req.PayTo == "" {
			s.writeError(c, escrow.NewValidationError("payTo is required for session creation"))
			return
		}
		resp, err := s.ledger.CreateSession(c.Request.Context(), req.Network, *classified.Creation, req.PayTo)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, resp)

	case escrow.KindUsage:
		usage := classified.Usage
		amount, err := escrow.ParseAmount(usage.Amount)
		if err != nil {
			s.writeError(c, escrow.NewValidationError("invalid amount: %v", err))
			return
		}
		receipt, err := s.ledger.Debit(c.Request.Context(), ledger.DebitRequest{
			SessionID: usage.Session.ID,
			Token:     usage.Session.Token,
			Amount:    amount,
			RequestID: usage.RequestID,
		})
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)

	default:
		s.writeError(c, escrow.NewValidationError("unclassifiable payment payload"))
	}
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.ledger.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.View(time.Now().UTC()))
}

// handleListSessions lists the caller's own sessions. The payer and
// receiver filters must name the authenticated wallet; with neither, the
// caller is treated as the payer.
func (s *Server) handleListSessions(c *gin.Context) {
	user := currentUser(c)
	payer := c.Query("payer")
	receiver := c.Query("receiver")
	status := c.Query("status")

	if payer != "" && receiver != "" {
		s.writeError(c, escrow.NewValidationError("specify payer or receiver, not both"))
		return
	}
	if payer == "" && receiver == "" {
		payer = user.Wallet
	}
	for _, wallet := range []string{payer, receiver} {
		if wallet != "" && !strings.EqualFold(wallet, user.Wallet) {
			s.writeError(c, escrow.NewAuthenticationError(escrow.ReasonWalletNotAuthorized,
				"wallet %s cannot list sessions of %s", user.Wallet, wallet))
			return
		}
	}

	var (
		views []escrow.SessionView
		err   error
	)
	if receiver != "" {
		views, err = s.ledger.ListByReceiver(c.Request.Context(), receiver, status)
	} else {
		views, err = s.ledger.ListByPayer(c.Request.Context(), payer, status)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

type captureRequest struct {
	Amount string `json:"amount"`
}

// handleCapture settles pending funds. Only the session's receiver or the
// operator may capture; the payer never triggers settlement of funds that
// are leaving their deposit.
func (s *Server) handleCapture(c *gin.Context) {
	sess, err := s.ledger.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	user := currentUser(c)
	if !strings.EqualFold(user.Wallet, sess.Receiver) && !strings.EqualFold(user.Wallet, s.operatorAddress) {
		s.writeError(c, escrow.NewAuthenticationError(escrow.ReasonWalletNotAuthorized,
			"wallet %s cannot capture session %s", user.Wallet, sess.ID))
		return
	}

	// An empty body captures all pending.
	var req captureRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, escrow.NewValidationError("invalid request body: %v", err))
			return
		}
	}

	var amount *big.Int
	if req.Amount != "" {
		parsed, err := escrow.ParseAmount(req.Amount)
		if err != nil {
			s.writeError(c, escrow.NewValidationError("invalid amount: %v", err))
			return
		}
		amount = parsed
	}

	ref, err := s.ledger.ScheduleCapture(c.Request.Context(), c.Param("id"), amount, s.captureQueue)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

// handleReclaim returns unused funds. Only the session's payer may
// reclaim; anyone else voiding an active session would end its spending
// life early.
func (s *Server) handleReclaim(c *gin.Context) {
	sess, err := s.ledger.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	user := currentUser(c)
	if !strings.EqualFold(user.Wallet, sess.Payer) {
		s.writeError(c, escrow.NewAuthenticationError(escrow.ReasonWalletNotAuthorized,
			"wallet %s cannot reclaim session %s", user.Wallet, sess.ID))
		return
	}

	ref, err := s.ledger.Reclaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) handleAuthNonce(c *gin.Context) {
	value, message, expiresAt, err := s.auth.IssueNonce(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nonce":     value,
		"message":   message,
		"expiresAt": expiresAt.Unix(),
	})
}

type verifyRequest struct {
	Wallet    string `json:"wallet"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func (s *Server) handleAuthVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, escrow.NewValidationError("invalid request body: %v", err))
		return
	}
	if req.Wallet == "" || req.Nonce == "" || req.Signature == "" {
		s.writeError(c, escrow.NewValidationError("wallet, nonce and signature are required"))
		return
	}

	res, err := s.auth.Verify(c.Request.Context(), req.Wallet, req.Nonce, req.Signature)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     res.Token,
		"expiresAt": res.ExpiresAt.Unix(),
		"user": gin.H{
			"id":     res.User.ID,
			"wallet": res.User.Wallet,
		},
	})
}

// writeError maps the error taxonomy onto HTTP statuses. Unclassified
// errors are logged and returned as opaque 500s.
func (s *Server) writeError(c *gin.Context, err error) {
	var pe *escrow.PaymentError
	if !errors.As(err, &pe) {
		s.logger.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "internal error"},
		})
		return
	}

	status := http.StatusInternalServerError
	switch pe.Code {
	case escrow.ErrCodeValidation:
		status = http.StatusBadRequest
	case escrow.ErrCodeAuthentication:
		status = http.StatusUnauthorized
	case escrow.ErrCodeStateConflict:
		status = http.StatusConflict
	case escrow.ErrCodeSettlementFailed:
		status = http.StatusBadGateway
	case escrow.ErrCodeNotFound:
		status = http.StatusNotFound
	case escrow.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": pe})
}
