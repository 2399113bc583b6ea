package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleng/internal/central"
	"github.com/srg/bleng/internal/config"
	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/keystore"
	"github.com/srg/bleng/internal/queue"
	"github.com/srg/bleng/internal/transport"
)

// engine bundles everything a subcommand needs to talk to the radio.
type engine struct {
	cfg     *config.Config
	logger  *logrus.Logger
	manager *central.Manager
	src     transport.Source
	cancel  context.CancelFunc
	runDone chan struct{}
}

// newEngine loads config, opens the transport and starts the dispatcher.
func newEngine(cmd *cobra.Command) (*engine, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return nil, err
	}

	adapter := cfg.Adapter
	if flagAdapter, _ := cmd.Flags().GetInt("adapter"); flagAdapter >= 0 {
		adapter = flagAdapter
	}

	q, err := queue.New[event.Event](cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create event queue: %w", err)
	}

	var ks keystore.KeyStore
	if cfg.KeystoreDir != "" {
		ks, err = keystore.NewFile(cfg.KeystoreDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open keystore: %w", err)
		}
	} else {
		ks = keystore.NewMemory()
	}

	src, err := openSource(adapter, q, logger)
	if err != nil {
		return nil, err
	}

	level, err := cfg.RequiredLevel()
	if err != nil {
		return nil, err
	}
	sec, err := cfg.SecurityConfigFor()
	if err != nil {
		return nil, err
	}

	// TODO: issue Read BD_ADDR on startup and pass the controller address as
	// LocalAddr; the zero address breaks confirm-value checks on peers that
	// verify the initiator address.
	manager, err := central.NewManager(central.Options{
		Params:        cfg.Params(),
		Security:      sec,
		RequiredLevel: level,
		MTU:           cfg.MTU,
	}, q, src, ks, logger)
	if err != nil {
		src.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = manager.Run(ctx)
	}()

	return &engine{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		src:     src,
		cancel:  cancel,
		runDone: runDone,
	}, nil
}

// Close stops the dispatcher and releases the adapter.
func (e *engine) Close() {
	e.cancel()
	<-e.runDone
	if err := e.src.Close(); err != nil {
		e.logger.WithError(err).Warn("Failed to close transport")
	}
}
