package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ramq/validateur/internal/config"
	"github.com/ramq/validateur/internal/domain/catalog"
	"github.com/ramq/validateur/internal/domain/run"
	"github.com/ramq/validateur/internal/platform/auth"
	"github.com/ramq/validateur/internal/platform/db"
	"github.com/ramq/validateur/internal/platform/middleware"
	"github.com/ramq/validateur/internal/platform/progress"
	"github.com/ramq/validateur/internal/platform/queue"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "validateur-server",
		Short: "Serveur de validation de facturation RAMQ",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
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

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a standalone validation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool).Status(ctx)
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
		},
	})

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <fichier.csv>",
		Short: "Validate a billing CSV offline, without server or database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOffline(args[0])
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Progress events: local hub, with Redis pub/sub relay when configured so
	// this node can stream runs executed by remote workers.
	hub := progress.NewHub()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		bridge := progress.NewRedisBridge(hub, redis.NewClient(opts), logger)
		go bridge.Run(ctx)
	}

	q, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build job queue")
	}
	defer q.Close()

	// Catalog domain
	codes := catalog.NewCodeRepoPG(pool)
	contexts := catalog.NewContextRepoPG(pool)
	establishments := catalog.NewEstablishmentRepoPG(pool)
	rules := catalog.NewRuleRepoPG(pool)
	cache := catalog.NewCache(codes, contexts, establishments, rules,
		time.Duration(cfg.CodesCacheTTL)*time.Second,
		time.Duration(cfg.RulesCacheTTL)*time.Second, logger)
	catalogSvc := catalog.NewService(codes, contexts, establishments, rules, cache)
	catalogHandler := catalog.NewHandler(catalogSvc)

	// Run domain
	runs := run.NewRunRepoPG(pool)
	records := run.NewRecordRepoPG(pool)
	results := run.NewResultRepoPG(pool)
	runSvc := run.NewService(runs, records, results, q, hub, cfg.MaxUploadBytes, logger)
	runHandler := run.NewHandler(runSvc, progress.NewWSHandler(hub, logger))

	// Without Redis the queue lives in this process, so the worker must too.
	if cfg.RedisURL == "" {
		pipe := run.NewPipeline(runs, records, results, cache, hub,
			time.Duration(cfg.RunTimeout)*time.Second, 3, logger)
		worker := queue.NewWorker(q, pipe.Handle, logger,
			queue.WithConcurrency(cfg.WorkerConcurrency))
		go worker.Run(ctx)
		logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("in-process worker started")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevMiddleware())
	} else {
		e.Use(auth.Middleware(cfg.AuthSecret))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	apiV1 := e.Group("/api/v1")
	catalogHandler.RegisterRoutes(apiV1)
	runHandler.RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for a standalone worker; without it jobs stay in the API process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	hub := progress.NewHub()
	bridge := progress.NewRedisBridge(hub, redis.NewClient(opts), logger)
	go bridge.Run(ctx)

	q, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build job queue")
	}
	defer q.Close()

	codes := catalog.NewCodeRepoPG(pool)
	contexts := catalog.NewContextRepoPG(pool)
	establishments := catalog.NewEstablishmentRepoPG(pool)
	rules := catalog.NewRuleRepoPG(pool)
	cache := catalog.NewCache(codes, contexts, establishments, rules,
		time.Duration(cfg.CodesCacheTTL)*time.Second,
		time.Duration(cfg.RulesCacheTTL)*time.Second, logger)

	pipe := run.NewPipeline(
		run.NewRunRepoPG(pool), run.NewRecordRepoPG(pool), run.NewResultRepoPG(pool),
		cache, bridge, time.Duration(cfg.RunTimeout)*time.Second, 3, logger)

	worker := queue.NewWorker(q, pipe.Handle, logger,
		queue.WithConcurrency(cfg.WorkerConcurrency))

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")
	worker.Run(ctx)
	logger.Info().Msg("worker stopped")
	return nil
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.RedisURL != "" {
		return queue.NewRedisQueue(cfg.RedisURL, time.Duration(cfg.RunTimeout)*time.Second)
	}
	return queue.NewMemoryQueue(64), nil
}

// runOffline validates a CSV against the built-in rule set using in-memory
// storage, for spot checks before uploading a real period.
func runOffline(path string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx := context.Background()
	codes := catalog.NewCodeRepoMem()
	contexts := catalog.NewContextRepoMem()
	establishments := catalog.NewEstablishmentRepoMem()
	rules := catalog.NewRuleRepoMem()
	if err := seedCatalog(ctx, codes, contexts, rules); err != nil {
		return fmt.Errorf("seed reference data: %w", err)
	}
	cache := catalog.NewCache(codes, contexts, establishments, rules, time.Hour, time.Hour, logger)

	runs := run.NewMemRunRepo()
	records := run.NewMemRecordRepo()
	results := run.NewMemResultRepo()
	q := queue.NewMemoryQueue(1)
	defer q.Close()
	hub := progress.NewHub()

	svc := run.NewService(runs, records, results, q, hub, 256*1024*1024, logger)
	pipe := run.NewPipeline(runs, records, results, cache, hub, 10*time.Minute, 1, logger)

	v, err := svc.CreateRun(ctx, "cli", filepath.Base(path), content)
	if err != nil {
		return err
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		return err
	}
	if err := pipe.Handle(ctx, job); err != nil {
		return err
	}

	got, err := svc.GetRun(ctx, v.ID)
	if err != nil {
		return err
	}
	if got.Stage == run.StageFailed {
		msg := "échec de la validation"
		if got.ErrorMessage != nil {
			msg = *got.ErrorMessage
		}
		return fmt.Errorf("%s", msg)
	}

	findings, total, err := svc.Results(ctx, v.ID, "", 10000, 0)
	if err != nil {
		return err
	}

	fmt.Printf("Fichier: %s\n", filepath.Base(path))
	fmt.Printf("Enregistrements analysés: %d\n", got.RecordsParsed)
	fmt.Printf("Erreurs: %d  Optimisations: %d  Informations: %d\n\n",
		got.ErrorCount, got.OptimizationCount, got.InfoCount)
	for _, f := range findings {
		impact := ""
		if mi, ok := f.RuleData["monetaryImpact"].(float64); ok && mi != 0 {
			impact = fmt.Sprintf(" (%.2f $)", mi)
		}
		fmt.Printf("[%s] %s%s\n", f.Severity, f.Message, impact)
		if f.Solution != nil {
			fmt.Printf("        Solution: %s\n", *f.Solution)
		}
	}
	if total == 0 {
		fmt.Println("Aucune anomalie détectée.")
	}
	return nil
}

// seedCatalog loads the same reference data the 002_seed migration installs,
// so offline validation matches a fresh server install.
func seedCatalog(ctx context.Context, codes catalog.CodeRepository,
	contexts catalog.ContextRepository, rules catalog.RuleRepository) error {
	dec := decimal.RequireFromString

	seedCodes := []*catalog.BillingCode{
		{Code: "8857", Description: "Intervention clinique, 30 premières minutes",
			TariffValue: dec("59.70"), TopLevel: "A - INTERVENTION CLINIQUE",
			Leaf: "Intervention clinique", Active: true},
		{Code: "8859", Description: "Intervention clinique, période additionnelle de 15 minutes",
			ExtraUnitValue: dec("29.85"), UnitRequired: true, TopLevel: "A - INTERVENTION CLINIQUE",
			Leaf: "Intervention clinique supplément", Active: true},
		{Code: "19928", Description: "Frais de bureau, seuil régulier",
			TariffValue: dec("32.40"), TopLevel: "X - FRAIS DE BUREAU",
			Leaf: "Frais de bureau", Active: true},
		{Code: "19929", Description: "Frais de bureau, seuil majoré",
			TariffValue: dec("64.80"), TopLevel: "X - FRAIS DE BUREAU",
			Leaf: "Frais de bureau", Active: true},
		{Code: "00103", Description: "Visite de suivi en cabinet",
			TariffValue: dec("42.50"), TopLevel: "B - CONSULTATION, EXAMEN ET VISITE",
			Leaf: "Visite de suivi", Active: true},
		{Code: "15804", Description: "Visite de prise en charge",
			TariffValue: dec("48.45"), TopLevel: "B - CONSULTATION, EXAMEN ET VISITE",
			Leaf: "Visite de prise en charge", Active: true},
		{Code: "15815", Description: "Visite périodique",
			TariffValue: dec("46.80"), TopLevel: "B - CONSULTATION, EXAMEN ET VISITE",
			Leaf: "Visite périodique", Active: true},
	}
	for _, c := range seedCodes {
		if err := codes.Upsert(ctx, c); err != nil {
			return err
		}
	}

	for name, desc := range map[string]string{
		"ICEP":  "Intervention clinique en établissement psychiatrique",
		"ICSM":  "Intervention clinique en santé mentale",
		"ICTOX": "Intervention clinique en toxicomanie",
		"G160":  "Visite sans rendez-vous",
		"AR":    "Accès réseau, sans rendez-vous",
		"CLSC":  "Groupe de médecine de famille / CLSC",
	} {
		d := desc
		if err := contexts.Upsert(ctx, &catalog.ContextElement{Name: name, Description: &d}); err != nil {
			return err
		}
	}

	seedRules := []struct {
		name, ruleType, category, condition string
	}{
		{"Limite quotidienne intervention clinique (180 min)", "daily_time_limit", "intervention_clinique",
			`{"primaryCode":"8857","primaryDurationMinutes":30,"secondaryCode":"8859","excludedContexts":["ICEP","ICSM","ICTOX"],"dailyMaxMinutes":180}`},
		{"Frais de bureau 19928/19929", "office_fee", "office_fee",
			`{"codeA":"19928","codeB":"19929","tariffA":"32.40","tariffB":"64.80","dailyMax":"64.80","walkInContexts":["#G160","#AR"],"registeredThresholdA":6,"registeredThresholdB":12,"walkInThresholdA":10,"walkInThresholdB":20}`},
		{"Limite annuelle par patient (codes de visite annuels)", "annual_per_patient", "annual_limit",
			`{"leafPatterns":["Visite de prise en charge","Visite périodique"]}`},
		{"Optimisation intervention clinique selon la durée", "visit_duration_optimization", "revenue_optimization",
			`{"minDurationMinutes":30,"baseTariff":"59.70","extraTariff":"29.85","topLevel":"B - CONSULTATION, EXAMEN ET VISITE","excludedCodes":["8857","8859"]}`},
	}
	for _, r := range seedRules {
		if err := rules.Create(ctx, &catalog.Rule{
			Name:      r.name,
			RuleType:  r.ruleType,
			Category:  r.category,
			Condition: json.RawMessage(r.condition),
			Enabled:   true,
		}); err != nil {
			return err
		}
	}
	return nil
}
