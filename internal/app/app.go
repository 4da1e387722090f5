// Package app wires configuration, storage, broker, and the task manager
// into a runnable application.
package app

import (
	"fmt"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/handlers"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/services/broker"
	"github.com/bobmcallan/conveyor/internal/services/taskmanager"
	"github.com/bobmcallan/conveyor/internal/storage/sqlite"
)

// App holds the wired application components.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Store       interfaces.JobStore
	Broker      interfaces.Broker
	Registry    *taskmanager.Registry
	Coordinator *taskmanager.Coordinator
	Manager     *taskmanager.Manager
	Hub         *taskmanager.Hub
	Metrics     *taskmanager.Aggregator

	StartTime time.Time
}

// New loads configuration and wires all components. The task manager is not
// started; call Start.
func New(configPaths ...string) (*App, error) {
	config, err := common.LoadConfig(configPaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := common.NewLoggerFromConfig(config.Logging)
	return NewWithConfig(config, logger)
}

// NewWithConfig wires components around an existing config and logger. Used
// by tests to inject in-memory storage settings.
func NewWithConfig(config *common.Config, logger *common.Logger) (*App, error) {
	store, err := sqlite.NewStore(config.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	brk := broker.New(logger)
	registry := taskmanager.NewRegistry()
	if err := handlers.RegisterAll(registry, logger); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}

	hub := taskmanager.NewHub(logger)
	coord := taskmanager.NewCoordinator(store, brk, registry, config, hub, logger)
	metrics := taskmanager.NewAggregator(store, brk, logger)
	manager := taskmanager.NewManager(config, store, brk, registry, coord, hub, metrics, logger)

	return &App{
		Config:      config,
		Logger:      logger,
		Store:       store,
		Broker:      brk,
		Registry:    registry,
		Coordinator: coord,
		Manager:     manager,
		Hub:         hub,
		Metrics:     metrics,
		StartTime:   time.Now(),
	}, nil
}

// Start begins job processing.
func (a *App) Start() error {
	return a.Manager.Start()
}

// Shutdown stops processing and closes the store.
func (a *App) Shutdown() {
	a.Manager.Stop()
	if err := a.Store.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to close job store")
	}
	a.Logger.Info().Msg("Application shut down")
}
