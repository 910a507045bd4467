// Command certinpieces runs the certificate manager: it establishes the
// ACME account, issues missing certificates and keeps them renewed until
// terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caasmo/certinpieces"
	"github.com/caasmo/certinpieces/config"
)

func main() {
	configPath := flag.String("config", "certinpieces.toml", "path to the TOML configuration")
	obtain := flag.String("obtain", "", "issue one certificate for a comma-separated domain set, then exit")
	revoke := flag.String("revoke", "", "revoke the stored certificate for a comma-separated domain set, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := certinpieces.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	app, err := certinpieces.New(cfg, certinpieces.WithLogger(logger))
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *obtain != "":
		runObtain(ctx, app, logger, splitDomains(*obtain))
	case *revoke != "":
		runRevoke(ctx, app, logger, splitDomains(*revoke))
	default:
		runDaemon(ctx, app, logger)
	}
}

func splitDomains(s string) []string {
	parts := strings.Split(s, ",")
	domains := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			domains = append(domains, p)
		}
	}
	return domains
}

func runObtain(ctx context.Context, app *certinpieces.App, logger *slog.Logger, domains []string) {
	if err := app.EnsureAccount(ctx); err != nil {
		logger.Error("account setup failed", "error", err)
		os.Exit(1)
	}
	bundle, err := app.Obtain(ctx, domains)
	if err != nil {
		logger.Error("issuance failed", "domains", domains, "error", err)
		os.Exit(1)
	}
	logger.Info("certificate issued", "domains", bundle.Domains)
}

func runRevoke(ctx context.Context, app *certinpieces.App, logger *slog.Logger, domains []string) {
	if err := app.EnsureAccount(ctx); err != nil {
		logger.Error("account setup failed", "error", err)
		os.Exit(1)
	}
	if err := app.Revoke(ctx, domains, nil); err != nil {
		logger.Error("revocation failed", "domains", domains, "error", err)
		os.Exit(1)
	}
	logger.Info("certificate revoked", "domains", domains)
}

func runDaemon(ctx context.Context, app *certinpieces.App, logger *slog.Logger) {
	if err := app.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("certificate manager running")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
