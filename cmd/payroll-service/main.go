package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/payrollhub/payroll-backend/internal/api/handler"
	"github.com/payrollhub/payroll-backend/internal/events"
	"github.com/payrollhub/payroll-backend/internal/ingestion/detector"
	"github.com/payrollhub/payroll-backend/internal/ingestion/extractor"
	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/ingestion/orchestrator"
	"github.com/payrollhub/payroll-backend/internal/payroll/rules"
	"github.com/payrollhub/payroll-backend/internal/payroll/service"
	"github.com/payrollhub/payroll-backend/internal/workspace/repository"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/config"
	"github.com/payrollhub/payroll-backend/pkg/database"
	"github.com/payrollhub/payroll-backend/pkg/httputil"
	"github.com/payrollhub/payroll-backend/pkg/logger"
	"github.com/payrollhub/payroll-backend/pkg/messaging"
)

func main() {
	// Load configuration
	cfg, err := config.LoadWithValidation("payroll-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("payroll-service", cfg.Server.Environment)
	log.Info().Msg("starting Payroll Service")

	// Workspace store: Postgres when configured, in-memory otherwise
	var st store.Store
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.New(&cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		st = repository.New(db)
		log.Info().Msg("using Postgres workspace store")
	} else {
		st = store.NewMemory()
		log.Info().Msg("using in-memory workspace store")
	}

	// Event publishing is optional: no broker URL means no events
	var payrollEvents *events.PayrollEvents
	var rmq *messaging.RabbitMQ
	if cfg.RabbitMQ.URL != "" {
		rmq, err = messaging.New(&cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()

		publisher, err := messaging.NewPublisher(rmq, messaging.ExchangePayrollEvents, "payroll-service", log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		payrollEvents = events.NewPayrollEvents(publisher, log)
	}

	// Extraction registry. Registration order is fallback order, model ahead
	// of the heuristic of last resort.
	registry := extractor.NewDefaultRegistry(cfg.Pipeline.ModelExtractorURL, cfg.Pipeline.ModelExtractorTimeout)
	if cfg.Pipeline.ModelExtractorURL != "" {
		log.Info().Str("url", cfg.Pipeline.ModelExtractorURL).Msg("model-assisted extraction enabled")
	}

	orch := orchestrator.New(
		st,
		detector.New(cfg.Pipeline.DetectorMinCoverage),
		registry,
		normalizer.New(log),
		payrollEvents,
		cfg.Pipeline.UploadDir,
		cfg.Pipeline.UnclassifiedDir,
		log,
	)

	// Rules engine
	taxTable, err := rules.LoadTaxTable(cfg.Pipeline.TaxTablePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Pipeline.TaxTablePath).Msg("failed to load tax table")
	}
	engine := rules.NewEngine(taxTable, cfg.Pipeline.StandardMonthlyHours, cfg.Pipeline.LowConfidenceThreshold)
	payrollService := service.New(st, engine, payrollEvents, log)

	// Initialize handlers
	workspaceHandler := handler.NewWorkspaceHandler(st, log)
	ingestHandler := handler.NewIngestHandler(orch, st, log)
	payrollHandler := handler.NewPayrollHandler(payrollService, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":  "healthy",
			"service": "payroll-service",
		}
		if db != nil {
			health["database"] = db.Health(r.Context())
		}
		if rmq != nil {
			health["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, http.StatusOK, health)
	})

	// API routes
	r.Route("/api/v1/workspaces", func(r chi.Router) {
		r.Get("/", workspaceHandler.List)
		r.Post("/", workspaceHandler.Create)

		r.Route("/{ws}", func(r chi.Router) {
			r.Post("/upload", ingestHandler.Upload)
			r.Get("/jobs", ingestHandler.ListJobs)
			r.Get("/jobs/{id}", ingestHandler.GetJob)
			r.Post("/corrections", ingestHandler.Correct)

			r.Post("/calc", payrollHandler.Calculate)
			r.Get("/facts", workspaceHandler.ListFacts)
			r.Get("/policy", workspaceHandler.ListPolicies)
			r.Get("/results", payrollHandler.Results)
			r.Get("/export/bank", payrollHandler.ExportBank)
			r.Get("/export/tax", payrollHandler.ExportTax)
		})
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Drain in-flight ingestion jobs before exiting
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingestion pipeline did not drain cleanly")
	}

	log.Info().Msg("server stopped")
}
