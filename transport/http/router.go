package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter sets up the Gin router
func SetupRouter(engine Engine, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger.Named("http")))

	handlers := NewAuthHandlers(engine, logger.Named("http"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/register/start", handlers.RegisterStart)
		auth.POST("/register/verify", handlers.RegisterVerify)
		auth.POST("/login/start", handlers.LoginStart)
		auth.POST("/login/verify", handlers.LoginVerify)
		auth.POST("/recovery/code", handlers.RecoveryCodeVerify)
		auth.POST("/recovery/email/start", handlers.EmailRecoveryStart)
		auth.POST("/recovery/email/options", handlers.EmailRecoveryOptions)
		auth.POST("/recovery/email/complete", handlers.EmailRecoveryComplete)
		auth.POST("/session/validate", handlers.ValidateSession)
		auth.POST("/logout", AuthMiddleware(), handlers.Logout)
	}

	// Session-authenticated routes
	api := router.Group("/api")
	api.Use(AuthMiddleware())
	{
		api.POST("/recovery-codes/acknowledge", handlers.AcknowledgeRecoveryCodes)
		api.GET("/credentials", handlers.ListCredentials)
		api.POST("/credentials/start", handlers.AddCredentialStart)
		api.POST("/credentials/verify", handlers.AddCredentialVerify)
		api.DELETE("/credentials/:id", handlers.RevokeCredential)
		api.GET("/account", handlers.Account)
		api.GET("/account/sub/:index", handlers.SubAccount)
	}

	return router
}
