package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/agenthub/identity"
	"github.com/agenthub/identity/middleware/identware"
	"github.com/agenthub/identity/tokenstore"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config.toml")
	flag.Parse()

	logger := initLogger()

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration error")
	}

	db, err := openDatabase(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("database error")
	}
	defer db.Close()

	if err := createTables(context.Background(), db); err != nil {
		logger.Fatal().Err(err).Msg("schema error")
	}

	log := &zerologAdapter{logger: logger}

	repo := identity.NewRepositoryManager(db)
	repo.MustValidate()

	tokens := tokenstore.NewMemory()
	activity := &logActivitySink{logger: logger}
	mailer := &logMailer{logger: logger}
	notifier := &logNotifier{logger: logger}

	machine := identity.NewRequestStateMachine(repo.RegistrationRequests(),
		identity.WithRequestMachineActivitySink(activity),
		identity.WithRequestMachineLogger(log),
	)

	auther := identity.NewAuthenticator(repo, cfg).
		WithLogger(log).
		WithActivitySink(activity).
		WithLoginThrottle(cfg.MaxLoginTries, cfg.LoginCooldown)

	resolver := identity.NewIdentityResolver(repo, identity.WithResolverLogger(log))
	guard := identity.NewGuard()

	controllerOpts := []identity.ControllerOption{
		identity.WithControllerLogger(log),
	}
	if cfg.Debug {
		controllerOpts = append(controllerOpts, identity.WithControllerDebug())
	}

	controller := identity.NewController(auther, resolver, guard, controllerOpts...)
	controller.Register = identity.NewRegisterHandler(repo, tokens,
		identity.WithRegisterMailer(mailer),
		identity.WithRegisterActivitySink(activity),
		identity.WithRegisterLogger(log),
	)
	controller.VerifyEmail = identity.NewVerifyEmailHandler(repo, tokens, machine,
		identity.WithVerifyMailer(mailer),
		identity.WithVerifyNotifier(notifier),
		identity.WithVerifyActivitySink(activity),
		identity.WithVerifyLogger(log),
	)
	controller.Resend = identity.NewResendVerificationHandler(repo, tokens,
		identity.WithResendMailer(mailer),
		identity.WithResendLogger(log),
	)
	controller.Review = identity.NewReviewRequestHandler(repo, machine,
		identity.WithReviewMailer(mailer),
		identity.WithReviewLogger(log),
	)
	controller.QuickRequest = identity.NewQuickRequestHandler(repo,
		identity.WithQuickRequestNotifier(notifier),
		identity.WithQuickRequestLogger(log),
	)
	controller.PasswordReset = identity.NewPasswordResetHandler(repo, tokens,
		identity.WithPasswordResetMailer(mailer),
		identity.WithPasswordResetActivitySink(activity),
		identity.WithPasswordResetLogger(log),
	)

	authenticated := identware.New(identware.Config{
		TokenValidator: auther.TokenService(),
		Resolver:       resolver,
		ContextKey:     cfg.GetContextKey(),
		TokenLookup:    cfg.GetTokenLookup(),
		AuthScheme:     cfg.GetAuthScheme(),
		Logger:         log,
		OnAuthenticated: func(c *fiber.Ctx, principal *identity.Principal) error {
			// best-effort last-active tracking
			return repo.Users().TouchLastActive(c.UserContext(), principal.UserID)
		},
	})

	app := fiber.New(fiber.Config{
		AppName:      "identityd",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})

	controller.RegisterRoutes(app, authenticated)

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("identityd listening")
		if err := app.Listen(cfg.ListenAddr); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", "identityd").Logger()
}

func openDatabase(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, err
	}

	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func createTables(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*identity.User)(nil),
		(*identity.Agency)(nil),
		(*identity.AgencyAgent)(nil),
		(*identity.RegistrationRequest)(nil),
	}

	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	return nil
}

// zerologAdapter bridges zerolog to the identity.Logger interface
type zerologAdapter struct {
	logger zerolog.Logger
}

func (z *zerologAdapter) Debug(format string, args ...any) { z.logger.Debug().Msgf(format, args...) }
func (z *zerologAdapter) Info(format string, args ...any)  { z.logger.Info().Msgf(format, args...) }
func (z *zerologAdapter) Warn(format string, args ...any)  { z.logger.Warn().Msgf(format, args...) }
func (z *zerologAdapter) Error(format string, args ...any) { z.logger.Error().Msgf(format, args...) }

// logActivitySink writes lifecycle events to the structured log
type logActivitySink struct {
	logger zerolog.Logger
}

func (s *logActivitySink) Record(ctx context.Context, event identity.ActivityEvent) error {
	s.logger.Info().
		Str("event", string(event.EventType)).
		Str("user_id", event.UserID).
		Str("actor", event.Actor.ID).
		Str("from", event.FromStatus).
		Str("to", event.ToStatus).
		Fields(event.Metadata).
		Msg("activity")
	return nil
}

// logMailer logs outbound emails instead of sending them. Wire a real
// provider here in production.
type logMailer struct {
	logger zerolog.Logger
}

func (m *logMailer) SendVerificationEmail(ctx context.Context, to, name, token, lang string) error {
	m.logger.Info().Str("to", to).Str("lang", lang).Str("token", token).Msg("verification email")
	return nil
}

func (m *logMailer) SendPasswordRecoveryEmail(ctx context.Context, to, name, token, lang string, expiresAt time.Time) error {
	m.logger.Info().Str("to", to).Str("lang", lang).Time("expires_at", expiresAt).Msg("recovery email")
	return nil
}

func (m *logMailer) SendWelcomeEmail(ctx context.Context, to, name, lang string) error {
	m.logger.Info().Str("to", to).Str("lang", lang).Msg("welcome email")
	return nil
}

func (m *logMailer) SendPendingApprovalEmail(ctx context.Context, to, name, lang string) error {
	m.logger.Info().Str("to", to).Str("lang", lang).Msg("pending approval email")
	return nil
}

func (m *logMailer) SendAgentWelcomeEmail(ctx context.Context, to, name, agencyName, lang string) error {
	m.logger.Info().Str("to", to).Str("agency", agencyName).Str("lang", lang).Msg("agent welcome email")
	return nil
}

func (m *logMailer) SendAgentRejectedEmail(ctx context.Context, to, name, agencyName, lang string) error {
	m.logger.Info().Str("to", to).Str("agency", agencyName).Str("lang", lang).Msg("agent rejected email")
	return nil
}

// logNotifier logs in-app notifications instead of delivering them
type logNotifier struct {
	logger zerolog.Logger
}

func (n *logNotifier) SendNotification(ctx context.Context, notification identity.Notification) error {
	n.logger.Info().
		Str("user_id", notification.UserID.String()).
		Str("type", notification.Type).
		Msg("notification")
	return nil
}
