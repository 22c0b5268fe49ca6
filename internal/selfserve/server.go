package selfserve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qualloop/selfserve/internal/logging"
	"github.com/qualloop/selfserve/internal/selfserve/checkout"
	"github.com/qualloop/selfserve/internal/selfserve/crm"
	"github.com/qualloop/selfserve/internal/selfserve/entitlements"
	"github.com/qualloop/selfserve/internal/selfserve/replay"
	"github.com/qualloop/selfserve/internal/selfserve/stripe"
	"github.com/qualloop/selfserve/internal/selfserve/tenant"
	"github.com/rs/zerolog/log"
)

// Run starts the self-serve billing service with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "selfserve",
	})

	log.Info().Str("version", version).Msg("Starting self-serve billing service")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	guard := replay.NewStore()

	verifier := stripe.NewVerifier(cfg.StripeAPIKey)
	provisioner := tenant.NewProvisioner(tenant.NewClerkClient(cfg.ClerkSecretKey))
	applier := entitlements.NewApplier(entitlements.NewHTTPClient(cfg.EntitlementAPIURL, cfg.EntitlementAPIKey))

	// CRM sync is optional; without a token the workflow records a warning
	// per run instead of failing.
	var crmSync checkout.CRMService
	if cfg.AttioAPIToken != "" {
		crmSync = crm.NewSynchronizer(crm.NewAttioClient(cfg.AttioAPIToken))
		log.Info().Msg("CRM sync configured (Attio)")
	} else {
		log.Warn().Msg("CRM sync disabled (set ATTIO_API_TOKEN to enable)")
	}

	orchestrator := checkout.New(checkout.Config{
		Payments:     verifier,
		Tenants:      provisioner,
		CRM:          crmSync,
		Entitlements: applier,
		Guard:        guard,
		CallTimeout:  cfg.CallTimeout,
		DedupeTTL:    cfg.DedupeTTL,
	})

	mux := http.NewServeMux()
	deps := &Deps{
		Config:       cfg,
		Orchestrator: orchestrator,
		Guard:        guard,
		Version:      version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Self-serve billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Self-serve billing service stopped")
	return nil
}
