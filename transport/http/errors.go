package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/custodian/core"
	"go.uber.org/zap"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Messages are fixed per code so responses never tell apart the cases an
// error code deliberately merges (unknown email vs wrong code and so on).
var errorStatus = map[string]struct {
	status  int
	message string
}{
	"CHALLENGE_NOT_FOUND":            {http.StatusBadRequest, "Challenge not found or expired"},
	"CREDENTIAL_VERIFICATION_FAILED": {http.StatusUnauthorized, "Credential verification failed"},
	"UNKNOWN_CREDENTIAL":             {http.StatusUnauthorized, "Unknown credential"},
	"POSSIBLE_CLONE_DETECTED":        {http.StatusForbidden, "Authenticator rejected"},
	"INVALID_RECOVERY_CODE":          {http.StatusUnauthorized, "Invalid recovery code"},
	"INVALID_SESSION":                {http.StatusUnauthorized, "Invalid session"},
	"DECRYPTION_FAILED":              {http.StatusInternalServerError, "Account unavailable"},
	"INVALID_SECRET_MATERIAL":        {http.StatusUnprocessableEntity, "Account unavailable"},
	"ALREADY_ACKNOWLEDGED":           {http.StatusConflict, "Already acknowledged"},
	"EMAIL_UNAVAILABLE":              {http.StatusConflict, "Email unavailable"},
	"RATE_LIMITED":                   {http.StatusTooManyRequests, "Too many attempts"},
	"LAST_CREDENTIAL":                {http.StatusConflict, "Cannot revoke the last passkey"},
	"VERIFIER_UNAVAILABLE":           {http.StatusServiceUnavailable, "Temporarily unavailable, try again"},
	"NOTIFIER_UNAVAILABLE":           {http.StatusServiceUnavailable, "Temporarily unavailable, try again"},
	"INVALID_REQUEST":                {http.StatusBadRequest, "Invalid request"},
	"NOT_FOUND":                      {http.StatusNotFound, "Not found"},
}

// writeError maps err to its status and fixed message
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	code := core.Code(err)
	resp, ok := errorStatus[code]
	if !ok {
		code = "INTERNAL"
		resp.status = http.StatusInternalServerError
		resp.message = "Internal error"
	}
	if core.IsRetryable(err) {
		resp.status = http.StatusServiceUnavailable
	}

	var rl *core.RateLimitError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	if resp.status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(resp.status, errorResponse{Code: code, Message: resp.message})
}

func badRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "Invalid request"})
}
