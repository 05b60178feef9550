package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/custodian/adapters/challenge"
	"github.com/layer-3/custodian/adapters/events"
	"github.com/layer-3/custodian/adapters/store"
	"github.com/layer-3/custodian/adapters/tokenizer"
	"github.com/layer-3/custodian/adapters/webauthn"
	"github.com/layer-3/custodian/config"
	"github.com/layer-3/custodian/encryption"
	"github.com/layer-3/custodian/keyderiv"
	"github.com/layer-3/custodian/logging"
	"github.com/layer-3/custodian/ports"
	"github.com/layer-3/custodian/service"
	transport "github.com/layer-3/custodian/transport/http"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("custodian stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	signingKey, err := loadSecrets(cfg, logger)
	if err != nil {
		return err
	}

	// Credential store
	var credStore ports.CredentialStore
	if cfg.DatabaseURL != "" {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.RunMigrations(ctx, db); err != nil {
			return err
		}
		credStore = store.NewPostgresStore(db)
	} else {
		logger.Warn("CUSTODIAN_DATABASE_URL is empty, using the in-memory store; all data is lost on restart")
		credStore = store.NewMemoryStore().WithAttemptRetention(cfg.Recovery.FailureWindow)
	}

	// Challenges, revocations and the message bus
	wmLogger := watermill.NewStdLogger(false, false)
	var (
		registry    ports.ChallengeRegistry
		revocations ports.RevocationList
		publisher   message.Publisher
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach Redis: %w", err)
		}

		registry = challenge.NewRedisRegistry(redisClient)
		revocations = store.NewRedisRevocations(redisClient)
		publisher, err = redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			wmLogger,
		)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
	} else {
		logger.Warn("CUSTODIAN_REDIS_URL is empty, challenges and events stay in process")
		memRegistry := challenge.NewMemoryRegistry()
		go memRegistry.Run(ctx, time.Minute)
		registry = memRegistry

		bus := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		if err := runMailSink(ctx, bus, logger); err != nil {
			return err
		}
		publisher = bus
	}
	defer publisher.Close()

	verifier, err := webauthn.New(webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
		Timeout:       cfg.ChallengeTTL,
	})
	if err != nil {
		return err
	}

	enc, err := encryption.New(encryption.Config{
		MasterKey:  []byte(cfg.MasterKey),
		Salt:       cfg.Salt,
		Iterations: cfg.Iterations,
	})
	if err != nil {
		return err
	}

	scheme, err := keyderiv.SchemeByName(cfg.KeyScheme)
	if err != nil {
		return err
	}

	sessions := service.NewSessionManager(
		credStore,
		tokenizer.NewJWTTokenizer(signingKey, "custodian"),
		service.SessionConfig{TTL: cfg.Session.TTL, IdleTimeout: cfg.Session.IdleTimeout},
		logger,
	)
	if revocations != nil {
		sessions.WithRevocationList(revocations)
	}
	go sessions.RunSweeper(ctx, 10*time.Minute)

	authService, err := service.NewAuthService(service.Deps{
		Store:      credStore,
		Challenges: registry,
		Verifier:   verifier,
		Notifier:   events.NewWatermillNotifier(publisher),
		Events:     events.NewWatermillPublisher(publisher),
		Sessions:   sessions,
		Deriver:    keyderiv.New(scheme),
		Encryption: enc,
		Logger:     logger,
	}, service.Config{
		ChallengeTTL:          cfg.ChallengeTTL,
		RecoveryTokenTTL:      cfg.Recovery.TokenTTL,
		RecoveryCodeCount:     cfg.Recovery.CodeCount,
		RecoveryMaxFailures:   cfg.Recovery.MaxFailures,
		RecoveryFailureWindow: cfg.Recovery.FailureWindow,
		VerifierTimeout:       cfg.VerifierTimeout,
		NotifierTimeout:       cfg.NotifierTimeout,
		ServerSecret:          []byte(cfg.ServerSecret),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           transport.SetupRouter(authService, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("custodian listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("env", cfg.Env),
		zap.String("key_scheme", cfg.KeyScheme))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// loadSecrets parses the session signing key. In development, missing
// secrets are replaced with ephemeral ones.
func loadSecrets(cfg *config.Config, logger *zap.Logger) (*ecdsa.PrivateKey, error) {
	if cfg.Development() {
		if cfg.MasterKey == "" {
			key, err := encryption.GenerateKey()
			if err != nil {
				return nil, err
			}
			cfg.MasterKey = hex.EncodeToString(key)
			logger.Warn("USING AN EPHEMERAL ENCRYPTION MASTER KEY: sealed account seeds will not survive a restart")
		}
		if cfg.ServerSecret == "" {
			secret, err := encryption.GenerateKey()
			if err != nil {
				return nil, err
			}
			cfg.ServerSecret = hex.EncodeToString(secret)
			logger.Warn("USING AN EPHEMERAL SERVER SECRET: server-derived accounts will change after a restart")
		}
		if cfg.Session.SigningKey == "" {
			logger.Warn("USING AN EPHEMERAL SESSION SIGNING KEY: sessions end on restart")
			return tokenizer.GenerateSigningKey()
		}
	}
	return tokenizer.ParseSigningKey([]byte(cfg.Session.SigningKey))
}

// runMailSink stands in for the mailer in development and logs every mail
// request so recovery tokens can be picked up from the console.
func runMailSink(ctx context.Context, sub message.Subscriber, logger *zap.Logger) error {
	msgs, err := sub.Subscribe(ctx, events.TopicMail)
	if err != nil {
		return fmt.Errorf("failed to subscribe to mail topic: %w", err)
	}

	logger = logger.Named("mailsink")
	go func() {
		for msg := range msgs {
			var req events.MailRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				logger.Warn("undecodable mail request", zap.Error(err))
				msg.Ack()
				continue
			}
			logger.Info("mail",
				zap.String("kind", string(req.Kind)),
				zap.String("to", req.To),
				zap.Any("params", req.Params))
			msg.Ack()
		}
	}()
	return nil
}
