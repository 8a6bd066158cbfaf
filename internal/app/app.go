// Package app assembles a ConversationService from a validated config. Both
// the Lambda entry point and convctl build through here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"conversation-service/internal/audit"
	"conversation-service/internal/auth"
	"conversation-service/internal/config"
	"conversation-service/internal/dlp"
	"conversation-service/internal/integrations/paramstore"
	"conversation-service/internal/ratelimit"
	"conversation-service/internal/repository"
	"conversation-service/internal/repository/sqlitestore"
	"conversation-service/internal/revocation"
	"conversation-service/internal/usecase"
)

// App holds the assembled service and the resources that must be released.
type App struct {
	Service     *usecase.ConversationService
	StateTokens *auth.Codec
	Store       repository.Store
	// SQLite is set when the sqlite backend is in use.
	SQLite *sqlitestore.Store

	closers []func() error
}

type options struct {
	awsConfig *aws.Config
}

type Option func(*options)

// WithAWSConfig skips loading the default AWS config chain.
func WithAWSConfig(cfg aws.Config) Option {
	return func(o *options) { o.awsConfig = &cfg }
}

// Build wires every collaborator named by cfg. AWS credentials are only
// resolved when a component actually needs them.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger, opts ...Option) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	awsCfg := func() (aws.Config, error) {
		if o.awsConfig != nil {
			return *o.awsConfig, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load aws config: %w", err)
		}
		o.awsConfig = &c
		return c, nil
	}
	var dynamo *awsdynamodb.Client
	dynamoClient := func() (*awsdynamodb.Client, error) {
		if dynamo != nil {
			return dynamo, nil
		}
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		dynamo = awsdynamodb.NewFromConfig(c)
		return dynamo, nil
	}

	// ---- Store ----
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.SQLite = s
		a.Store = s
		a.closers = append(a.closers, s.Close)
	default:
		db, err := dynamoClient()
		if err != nil {
			return nil, err
		}
		s, err := repository.New(db, cfg.SummariesTable, cfg.MessagesTable)
		if err != nil {
			return nil, fmt.Errorf("create dynamodb store: %w", err)
		}
		a.Store = s
	}

	// ---- Revocations ----
	var revocations usecase.RevocationList
	switch cfg.RevocationBackend {
	case config.RevocationRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			DialTimeout: cfg.DependencyTimeout,
			ReadTimeout: cfg.DependencyTimeout,
		})
		a.closers = append(a.closers, rdb.Close)
		rs, err := revocation.NewRedisStore(rdb)
		if err != nil {
			return nil, err
		}
		revocations = rs
	default:
		db, err := dynamoClient()
		if err != nil {
			return nil, err
		}
		ds, err := revocation.NewDynamoStore(db, cfg.RevocationTable)
		if err != nil {
			return nil, err
		}
		revocations = ds
	}

	// ---- Audit ----
	var sink usecase.AuditSink = audit.NewLogSink(log)
	if cfg.AuditTable != "" {
		db, err := dynamoClient()
		if err != nil {
			return nil, err
		}
		ds, err := audit.NewDynamoSink(db, cfg.AuditTable, audit.WithRetention(cfg.AuditRetention))
		if err != nil {
			return nil, err
		}
		sink = ds
	}

	// ---- Signing key ----
	keys, err := signingKeys(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	stateTokens, err := auth.NewCodec(keys, auth.StateProfile(cfg.TokenTTL))
	if err != nil {
		return nil, err
	}
	streamTokens, err := auth.NewCodec(keys, auth.StreamProfile(cfg.StreamTokenIssuer, cfg.StreamTokenAudience, cfg.StreamTokenTTL))
	if err != nil {
		return nil, err
	}
	a.StateTokens = stateTokens

	scrubber, err := dlp.NewDefault()
	if err != nil {
		return nil, fmt.Errorf("load dlp policy: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		Requests:      cfg.RateLimitRequests,
		Window:        cfg.RateLimitWindow,
		MaxKeys:       cfg.RateLimitMaxKeys,
		SweepInterval: cfg.RateLimitSweepInterval,
	})

	svc, err := usecase.NewConversationService(usecase.Deps{
		StateTokens:  stateTokens,
		StreamTokens: streamTokens,
		Limiter:      limiter,
		Scrubber:     scrubber,
		Store:        a.Store,
		Revocations:  revocations,
		Audit:        sink,
		Log:          log,
	}, usecase.Config{
		MaxPayloadBytes:     cfg.MaxPayloadBytes,
		MaxMessagesPerSave:  cfg.MaxMessagesPerSave,
		MaxHistoryMessages:  cfg.MaxHistoryMessages,
		StateTokenTTL:       cfg.TokenTTL,
		SummaryTTL:          cfg.SummaryTTL,
		MessageTTL:          cfg.MessageTTL,
		DependencyTimeout:   cfg.DependencyTimeout,
		AuditRequiredForGet: cfg.AuditRequiredForGet,
	})
	if err != nil {
		return nil, err
	}
	a.Service = svc

	log.Info("conversation service ready",
		"environment", cfg.Environment,
		"store", cfg.StoreBackend,
		"revocations", cfg.RevocationBackend,
		"durable_audit", cfg.AuditTable != "",
	)
	return a, nil
}

func signingKeys(cfg config.Config, awsCfg func() (aws.Config, error)) (auth.KeySource, error) {
	if cfg.SigningKeyParam == "" {
		if cfg.Production() {
			return nil, errors.New("app: signing key parameter is required in production")
		}
		return auth.NewStaticKey(cfg.DevSigningKey)
	}
	c, err := awsCfg()
	if err != nil {
		return nil, err
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(c), paramstore.WithTimeout(cfg.DependencyTimeout))
	if err != nil {
		return nil, err
	}
	return auth.NewKeyProvider(ps, cfg.SigningKeyParam, auth.WithCacheTTL(cfg.SigningKeyCacheTTL))
}

// Close releases store and cache connections. It is safe to call twice.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
