package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/service"
	"go.uber.org/zap"
)

// Engine is the set of auth operations exposed over HTTP
type Engine interface {
	RegisterStart(ctx context.Context, req core.RegisterStartRequest) (*core.RegisterStartResult, error)
	RegisterVerify(ctx context.Context, req core.RegisterVerifyRequest) (*core.RegisterVerifyResult, error)
	LoginStart(ctx context.Context, req core.LoginStartRequest) (*core.LoginStartResult, error)
	LoginVerify(ctx context.Context, req core.LoginVerifyRequest) (*core.LoginVerifyResult, error)
	RecoveryCodeVerify(ctx context.Context, req core.RecoveryCodeVerifyRequest) (*core.RecoveryCodeVerifyResult, error)
	AcknowledgeRecoveryCodes(ctx context.Context, token string) (*core.AcknowledgeResult, error)
	EmailRecoveryStart(ctx context.Context, email string) (*core.EmailRecoveryStartResult, error)
	EmailRecoveryOptions(ctx context.Context, token string) (*core.EmailRecoveryOptionsResult, error)
	EmailRecoveryComplete(ctx context.Context, req core.EmailRecoveryCompleteRequest) (*core.EmailRecoveryCompleteResult, error)
	ValidateSession(ctx context.Context, token string) (*core.SessionValidateResult, error)
	Logout(ctx context.Context, token string) error
	ListCredentials(ctx context.Context, token string) ([]core.CredentialInfo, error)
	AddCredentialStart(ctx context.Context, token string) (*core.RegisterStartResult, error)
	AddCredentialVerify(ctx context.Context, token string, req core.AddCredentialVerifyRequest) (*core.CredentialInfo, error)
	RevokeCredential(ctx context.Context, token, credentialID string) error
	AccountInfo(ctx context.Context, token string) (*core.AccountInfo, error)
	DeriveSubAccount(ctx context.Context, token string, index uint32) (*core.SubAccount, error)
}

var _ Engine = (*service.AuthService)(nil)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	engine Engine
	logger *zap.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(engine Engine, logger *zap.Logger) *AuthHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandlers{
		engine: engine,
		logger: logger,
	}
}

func (h *AuthHandlers) RegisterStart(c *gin.Context) {
	var req core.RegisterStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.engine.RegisterStart(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) RegisterVerify(c *gin.Context) {
	var req core.RegisterVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.engine.RegisterVerify(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) LoginStart(c *gin.Context) {
	var req core.LoginStartRequest
	// An empty body starts a usernameless login
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
	}

	res, err := h.engine.LoginStart(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) LoginVerify(c *gin.Context) {
	var req core.LoginVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.engine.LoginVerify(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) RecoveryCodeVerify(c *gin.Context) {
	var req core.RecoveryCodeVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	req.RemoteAddr = c.ClientIP()

	res, err := h.engine.RecoveryCodeVerify(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) EmailRecoveryStart(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.engine.EmailRecoveryStart(c.Request.Context(), req.Email)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) EmailRecoveryOptions(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.engine.EmailRecoveryOptions(c.Request.Context(), req.Token)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) EmailRecoveryComplete(c *gin.Context) {
	var req core.EmailRecoveryCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.engine.EmailRecoveryComplete(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ValidateSession accepts the token as a bearer header or in the body.
// An invalid token is a 200 with valid=false.
func (h *AuthHandlers) ValidateSession(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		var req struct {
			SessionToken string `json:"session_token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
		token = req.SessionToken
	}

	res, err := h.engine.ValidateSession(c.Request.Context(), token)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) Logout(c *gin.Context) {
	if err := h.engine.Logout(c.Request.Context(), sessionToken(c)); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *AuthHandlers) AcknowledgeRecoveryCodes(c *gin.Context) {
	res, err := h.engine.AcknowledgeRecoveryCodes(c.Request.Context(), sessionToken(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) ListCredentials(c *gin.Context) {
	creds, err := h.engine.ListCredentials(c.Request.Context(), sessionToken(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

func (h *AuthHandlers) AddCredentialStart(c *gin.Context) {
	res, err := h.engine.AddCredentialStart(c.Request.Context(), sessionToken(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AuthHandlers) AddCredentialVerify(c *gin.Context) {
	var req core.AddCredentialVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	info, err := h.engine.AddCredentialVerify(c.Request.Context(), sessionToken(c), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": info})
}

func (h *AuthHandlers) RevokeCredential(c *gin.Context) {
	if err := h.engine.RevokeCredential(c.Request.Context(), sessionToken(c), c.Param("id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AuthHandlers) Account(c *gin.Context) {
	info, err := h.engine.AccountInfo(c.Request.Context(), sessionToken(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *AuthHandlers) SubAccount(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 32)
	if err != nil {
		badRequest(c)
		return
	}

	sub, err := h.engine.DeriveSubAccount(c.Request.Context(), sessionToken(c), uint32(index))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
