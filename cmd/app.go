package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"invoicer/internal/afip"
	"invoicer/internal/clock"
	"invoicer/internal/config"
	"invoicer/internal/exchange"
	"invoicer/internal/invoice"
	"invoicer/internal/ledger"
	"invoicer/internal/reconciliation"
	"invoicer/pkg/services"
)

var (
	appConfig *config.Config
	configErr error
)

// SetConfig hands the configuration loaded at startup to the commands. err is the
// load failure, reported by the first command that needs the configuration.
func SetConfig(cfg *config.Config, err error) {
	appConfig = cfg
	configErr = err
}

func loadedConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", configErr)
	}
	if appConfig == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		appConfig = cfg
	}
	return appConfig, nil
}

// commandContext is cancelled on SIGINT or SIGTERM so runs stop between orders.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// app holds the components a command works with.
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	ledger    *ledger.Store
	processor *invoice.Processor
}

func openApp() (*app, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, err
	}

	db, err := ledger.Open(cfg.GetDatabaseConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	clk := clock.NewSystem()
	return &app{
		cfg:       cfg,
		db:        db,
		ledger:    ledger.NewStore(db, clk),
		processor: invoice.NewProcessor(cfg.GetProcessorConfig(), clk),
	}, nil
}

func (a *app) Close() {
	_ = ledger.Close(a.db)
}

// orchestrator wires a run. submit requires the AFIP settings.
func (a *app) orchestrator(dryRun, submit bool) (*reconciliation.Orchestrator, error) {
	var authority services.TaxAuthorityGateway
	if submit {
		afipCfg, err := a.cfg.GetAFIPConfig()
		if err != nil {
			return nil, err
		}
		client, err := afip.NewClient(afipCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AFIP client: %w", err)
		}
		authority = client
	}

	source := exchange.NewFileSource(a.cfg.OrdersExportPath, clock.NewSystem())

	return reconciliation.NewOrchestrator(a.ledger, a.processor, authority, source, a.cfg.GetReconciliationConfig(dryRun)), nil
}
