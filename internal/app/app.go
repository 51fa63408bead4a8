package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/EpicMandM/vmsnap/internal/agent"
	"github.com/EpicMandM/vmsnap/internal/config"
	"github.com/EpicMandM/vmsnap/internal/handler"
	"github.com/EpicMandM/vmsnap/internal/logger"
	"github.com/EpicMandM/vmsnap/internal/metrics"
	"github.com/EpicMandM/vmsnap/internal/orchestrator"
	"github.com/EpicMandM/vmsnap/internal/scavenger"
	"github.com/EpicMandM/vmsnap/internal/service"
	"github.com/EpicMandM/vmsnap/internal/store"
	"github.com/vmware/govmomi/vim25"
)

const shutdownTimeout = 10 * time.Second

// driver is the hypervisor backend: snapshot commands plus power.
type driver interface {
	service.SnapshotDriver
	service.PowerDriver
}

// App wires the snapshot controller together.
type App struct {
	config   *config.Config
	features *config.FeatureConfig
	logger   *logger.Logger

	store     store.Store
	driver    driver
	metrics   *metrics.Metrics
	engine    *orchestrator.Engine
	scavenger *scavenger.Scavenger
}

func New(cfg *config.Config, features *config.FeatureConfig, log *logger.Logger) *App {
	if log == nil {
		log = logger.Discard()
	}
	if features == nil {
		features = config.DefaultFeatureConfig()
	}
	return &App{
		config:   cfg,
		features: features,
		logger:   log,
		metrics:  metrics.New(),
	}
}

// Initialize opens the store and connects to vCenter.
func (a *App) Initialize(ctx context.Context) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	vmwareService, err := service.NewVMwareService(ctx, a.config, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to vCenter: %w", err)
	}
	a.logger.Info("Connected to vCenter", logger.Action("startup"), logger.Status("connected"), logger.F("URL", a.config.VCenterURL))
	a.wire(vmwareService)
	return nil
}

// InitializeWithClient opens the store and uses an existing vSphere session.
func (a *App) InitializeWithClient(ctx context.Context, c *vim25.Client) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	vmwareService, err := service.NewVMwareServiceFromClient(ctx, c, a.logger)
	if err != nil {
		return fmt.Errorf("failed to attach to vCenter: %w", err)
	}
	a.wire(vmwareService)
	return nil
}

// InitializeOffline opens the store only. Reads work; any workflow that
// needs a host agent fails as unreachable.
func (a *App) InitializeOffline(ctx context.Context) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	a.wire(offlineDriver{})
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	st, err := store.NewSQLiteStore(a.config.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	if a.features.Inventory == "" {
		return nil
	}
	inv, err := config.LoadInventory(a.features.Inventory)
	if err != nil {
		return err
	}
	if err := seedInventory(ctx, st, inv); err != nil {
		return fmt.Errorf("failed to seed inventory: %w", err)
	}
	a.logger.Info("Inventory loaded", logger.Action("startup"), logger.Status("inventory"),
		logger.F("HOSTS", len(inv.Hosts)), logger.F("VMS", len(inv.VMs)))
	return nil
}

func (a *App) wire(d driver) {
	a.driver = d
	channel := agent.NewChannel(d, a.config.CommandTimeout, a.metrics, a.logger)

	rules := make([]orchestrator.Rule, 0, len(a.features.Policy))
	for _, r := range a.features.Policy {
		rules = append(rules, orchestrator.Rule{Hypervisor: r.Hypervisor, VMState: r.VMState, Type: r.Type, Allow: r.Allow})
	}

	a.engine = orchestrator.New(a.store, channel, a.logger, orchestrator.Options{
		MaxSnapshotsPerVM: a.features.Snapshot.MaxPerVM,
		Policy:            orchestrator.NewPolicy(rules...),
		Power:             service.NewPowerService(a.store, d, a.logger),
		Recorder:          a.metrics,
	})
	a.scavenger = scavenger.New(a.store, a.engine, a.metrics, a.features.Scavenger, a.logger)
}

// Engine returns the snapshot engine. Nil before initialization.
func (a *App) Engine() *orchestrator.Engine { return a.engine }

// Scavenger returns the recovery driver. Nil before initialization.
func (a *App) Scavenger() *scavenger.Scavenger { return a.scavenger }

// Handler returns the HTTP API including /metrics.
func (a *App) Handler() http.Handler {
	return handler.NewRouter(handler.NewAPIHandler(a.engine, a.logger), a.metrics.Handler())
}

// Serve recovers interrupted workflows, then serves the API and runs the
// scavenger until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	if a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	report, err := a.scavenger.RecoverAll(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	a.logger.Info("Startup recovery complete", logger.Action("startup"), logger.Status("recovered"),
		logger.Count(report.Resumed), logger.Failed(len(report.Failed)))

	go a.scavenger.Run(ctx)

	srv := &http.Server{
		Addr:              a.config.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Listening", logger.Action("startup"), logger.Status("listening"), logger.F("ADDR", a.config.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	}
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.driver != nil {
		if err := a.driver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close VMware service: %w", err))
		} else {
			a.logger.Info("Disconnected from vCenter", logger.Action("shutdown"), logger.Status("disconnected"))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

type offlineDriver struct{}

func (offlineDriver) Dispatch(context.Context, string, agent.Command) (*agent.Answer, error) {
	return nil, fmt.Errorf("%w: running offline", agent.ErrUnreachable)
}

func (offlineDriver) PowerOn(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: running offline", agent.ErrUnreachable)
}

func (offlineDriver) PowerOff(context.Context, string) error {
	return fmt.Errorf("%w: running offline", agent.ErrUnreachable)
}

func (offlineDriver) Close(context.Context) error { return nil }
