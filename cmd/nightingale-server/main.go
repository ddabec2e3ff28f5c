package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nightingale/nightingale/internal/agent"
	"github.com/nightingale/nightingale/internal/config"
	"github.com/nightingale/nightingale/internal/domain/conversation"
	"github.com/nightingale/nightingale/internal/domain/escalation"
	"github.com/nightingale/nightingale/internal/domain/profile"
	"github.com/nightingale/nightingale/internal/platform/auth"
	"github.com/nightingale/nightingale/internal/platform/db"
	"github.com/nightingale/nightingale/internal/platform/hipaa"
	"github.com/nightingale/nightingale/internal/platform/llm"
	"github.com/nightingale/nightingale/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "nightingale-server",
		Short: "Patient messaging triage API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(triageCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			tok, err := auth.IssueToken([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, user, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Subject (patient uuid or clinician id)")
	cmd.Flags().StringSlice("role", []string{auth.RolePatient}, "Roles to grant")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

// services is the wired application core shared by serve and triage.
type services struct {
	conversations *conversation.Service
	profiles      *profile.Service
	escalations   *escalation.Service
	turns         *agent.TurnService
	audit         *hipaa.AuditLogger
}

func buildServices(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*services, error) {
	completer, err := newCompleter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	uow := db.NewTxRunner(pool)
	audit := hipaa.NewAuditLogger(pool)

	convSvc := conversation.NewService(
		conversation.NewConversationRepoPG(pool),
		conversation.NewMessageRepoPG(pool),
	)
	profileSvc := profile.NewService(profile.NewRepoPG(pool), uow, logger)
	escSvc := escalation.NewService(escalation.NewTicketRepoPG(pool), uow, convSvc, audit, logger)

	workflow := agent.NewWorkflow(completer, profileSvc, escSvc, convSvc, uow, logger)
	turns := agent.NewTurnService(workflow, convSvc, uow, db.NewAdvisoryLocker(pool), audit, logger)

	return &services{
		conversations: convSvc,
		profiles:      profileSvc,
		escalations:   escSvc,
		turns:         turns,
		audit:         audit,
	}, nil
}

// errNoModel is returned by the placeholder completer used in development
// when no API key is configured. Every stage then takes its fallback path.
var errNoModel = errors.New("no language model configured")

func newCompleter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (llm.Completer, error) {
	if cfg.GoogleAPIKey == "" {
		logger.Warn().Msg("GOOGLE_API_KEY not set; model calls will fail and fall back")
		return llm.CompleterFunc(func(context.Context, string) (string, error) {
			return "", errNoModel
		}), nil
	}
	g, err := llm.NewGeminiCompleter(ctx, llm.GeminiConfig{
		APIKey:  cfg.GoogleAPIKey,
		Model:   cfg.GeminiModel,
		Timeout: cfg.LLMTimeout(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Str("model", g.Model()).Dur("timeout", cfg.LLMTimeout()).Msg("gemini completer ready")
	return g, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc, err := buildServices(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	e := newServer(cfg, pool, svc, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, pool *pgxpool.Pool, svc *services, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
		ReferrerPolicy:     "no-referrer",
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.Audit(logger, &accessRecorder{audit: svc.audit}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, cfg.MigrationsDir)))

	apiV1 := e.Group("/api/v1")

	conversationHandler := conversation.NewHandler(svc.conversations)
	conversationHandler.RegisterRoutes(apiV1)

	// Each send costs several model calls, so message routes are rate limited
	// per caller.
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	agentGroup := apiV1.Group("", middleware.RateLimit(rateLimitCfg))
	agent.NewHandler(svc.turns, conversationHandler).RegisterRoutes(agentGroup)

	profile.NewHandler(svc.profiles).RegisterRoutes(apiV1)
	escalation.NewHandler(svc.escalations).RegisterRoutes(apiV1)
	hipaa.NewAuditHandler(svc.audit).RegisterRoutes(apiV1)

	return e
}

// accessRecorder persists HTTP-level PHI access into audit_log. The
// content digest covers the method and route template only.
type accessRecorder struct {
	audit agent.Auditor
}

func (r *accessRecorder) RecordAccess(entry middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.audit.Log(ctx, entry.UserID, accessAction(entry.Action), entry.ResourceType, entry.ResourceID, entry.Method+" "+entry.Path)
	return err
}

// accessAction maps the middleware's CRUD verb to an audit_log action.
func accessAction(verb string) string {
	return "PHI_" + strings.ToUpper(verb)
}
