package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raceroom/internal/blockchain/evm"
	"raceroom/internal/config"
	"raceroom/internal/database"
	"raceroom/internal/models"
	"raceroom/internal/service"
	"raceroom/internal/store"
	"raceroom/internal/tracker"
)

// Constants for worker configuration
const (
	DefaultReconcileInterval = 30 * time.Second
	ReconcileTimeout         = 20 * time.Second
	RecoveryTimeout          = 10 * time.Second
	NotifierCapacity         = 200
)

// EventSource delivers decoded contract events until ctx is done
type EventSource interface {
	Watch(ctx context.Context) <-chan models.EventRecord
}

// AccountSource reports the connected account
type AccountSource interface {
	Account() (models.Account, bool)
}

// PendingJournal is the journal view used to resume unfinished actions
type PendingJournal interface {
	ListPendingActions(ctx context.Context) ([]models.ActionRecord, error)
	UpdateActionStatus(ctx context.Context, txHash string, status models.TxStatus, errMsg *string) error
}

// WorkerManager wires the chain client, the sync loops and the action
// service, and runs the background loops
type WorkerManager struct {
	cfg    *config.Config
	logger *zap.Logger

	client *evm.Client // nil when built from parts

	events   EventSource
	tracker  *tracker.Tracker
	store    *store.Store
	notifier *service.Notifier
	actions  *service.ActionService
	fees     *service.FeeService
	accounts AccountSource
	journal  PendingJournal // nil without a database

	monitor  *Monitor
	executor *Executor

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Parts are the collaborators of a manager that was not dialed from config
type Parts struct {
	Events   EventSource
	Tracker  *tracker.Tracker
	Store    *store.Store
	Notifier *service.Notifier
	Accounts AccountSource
	Journal  PendingJournal
}

// NewWorkerManager dials the active chain and builds every component.
// db may be nil, in which case actions are not journaled.
func NewWorkerManager(ctx context.Context, cfg *config.Config, db *database.DB, logger *zap.Logger) (*WorkerManager, error) {
	logger = logger.Named("worker")

	chainCfg, ok := cfg.ActiveChain()
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", cfg.ChainID)
	}

	client, err := evm.NewClient(ctx, &chainCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create EVM client for chain %s: %w", chainCfg.ChainID, err)
	}

	provider, err := evm.ProviderFromConfig(cfg.Wallet)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if provider == nil {
		logger.Warn("No wallet configured; writes will fail until one is connected")
	}

	session := evm.NewSession(client.Eth(), provider, chainCfg.ChainID, logger)

	rooms, err := evm.NewRooms(common.HexToAddress(cfg.Contract.Address), client.Eth(), session, cfg.Contract.Variant, logger)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create rooms contract: %w", err)
	}

	watcher := evm.NewEventWatcher(client.Eth(), rooms, evm.WatcherConfig{
		PollInterval:    cfg.Sync.EventPollInterval,
		StartBlock:      cfg.Contract.StartBlock,
		UseSubscription: chainCfg.WSEndpoint != "",
	}, logger)

	tr := tracker.New(client.Eth(), cfg.Sync.ReceiptPollInterval, cfg.Sync.RPCRateLimit, logger)
	st := store.New(rooms, cfg.Contract.Variant, cfg.Sync.RPCRateLimit, logger)
	notifier := service.NewNotifier(NotifierCapacity, logger)

	runCtx, cancel := context.WithCancel(context.Background())

	// a nil *DB must not become a non-nil interface
	var journal service.Journal
	var pending PendingJournal
	if db != nil {
		journal = db
		pending = db
	}

	actions := service.NewActionService(runCtx, rooms, session, tr, st, journal, notifier, service.Options{
		ConfirmationTimeout: cfg.Sync.ConfirmationTimeout,
		OptimisticOnSubmit:  cfg.Sync.OptimisticOnSubmit,
	}, logger)
	fees := service.NewFeeService(client.Eth(), rooms, session, logger)

	wm := &WorkerManager{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		events:   watcher,
		tracker:  tr,
		store:    st,
		notifier: notifier,
		actions:  actions,
		fees:     fees,
		accounts: actions,
		journal:  pending,
		ctx:      runCtx,
		cancel:   cancel,
	}
	wm.monitor = NewMonitor(wm)
	wm.executor = NewExecutor(wm)

	logger.Info("Chain initialized",
		zap.String("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name),
		zap.String("contract", cfg.Contract.Address),
		zap.Bool("journal", db != nil))

	return wm, nil
}

// NewWorkerManagerFromParts builds a manager around already constructed
// components. It owns no chain client and no action service.
func NewWorkerManagerFromParts(cfg *config.Config, parts Parts, logger *zap.Logger) *WorkerManager {
	logger = logger.Named("worker")
	ctx, cancel := context.WithCancel(context.Background())

	wm := &WorkerManager{
		cfg:      cfg,
		logger:   logger,
		events:   parts.Events,
		tracker:  parts.Tracker,
		store:    parts.Store,
		notifier: parts.Notifier,
		accounts: parts.Accounts,
		journal:  parts.Journal,
		ctx:      ctx,
		cancel:   cancel,
	}
	wm.monitor = NewMonitor(wm)
	wm.executor = NewExecutor(wm)
	return wm
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Duration("receipt_poll_interval", wm.cfg.Sync.ReceiptPollInterval),
		zap.Duration("reconcile_interval", wm.reconcileInterval()))

	// journaled actions are tracked again before anything can query them
	wm.monitor.recover(wm.ctx)

	g, ctx := errgroup.WithContext(wm.ctx)
	wm.group = g

	g.Go(func() error { return wm.executor.Run(ctx) })
	g.Go(func() error { return wm.monitor.Run(ctx) })
	g.Go(func() error { return wm.tracker.Run(ctx) })
	g.Go(func() error { return wm.store.RunBackfills(ctx) })

	wm.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	// Signal workers to stop
	wm.cancel()

	// Wait for workers to finish with timeout
	done := make(chan error, 1)
	go func() {
		var err error
		if wm.group != nil {
			err = wm.group.Wait()
		}
		if wm.actions != nil {
			wm.actions.Wait()
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
		err = fmt.Errorf("worker shutdown timed out after %s", timeout)
	}

	if wm.client != nil {
		wm.client.Close()
		wm.logger.Debug("Closed EVM client", zap.String("chain_id", wm.client.ChainID()))
	}

	wm.logger.Info("Worker manager shutdown complete")
	return err
}

// Actions returns the action service. It is nil for managers built from parts.
func (wm *WorkerManager) Actions() *service.ActionService {
	return wm.actions
}

// Fees returns the cost estimator. It is nil for managers built from parts.
func (wm *WorkerManager) Fees() *service.FeeService {
	return wm.fees
}

// Client returns the chain client
func (wm *WorkerManager) Client() *evm.Client {
	return wm.client
}

// Notifier returns the message channel
func (wm *WorkerManager) Notifier() *service.Notifier {
	return wm.notifier
}

// Store returns the room store
func (wm *WorkerManager) Store() *store.Store {
	return wm.store
}

func (wm *WorkerManager) reconcileInterval() time.Duration {
	if wm.cfg.Sync.ReconcileInterval > 0 {
		return wm.cfg.Sync.ReconcileInterval
	}
	return DefaultReconcileInterval
}
