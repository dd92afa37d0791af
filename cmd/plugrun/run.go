package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/bundle"
	"github.com/veldra/plugin-host/config"
	"github.com/veldra/plugin-host/dispatch"
	"github.com/veldra/plugin-host/governor"
	"github.com/veldra/plugin-host/registry"
	"github.com/veldra/plugin-host/sandbox"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <bundle.zip>...",
		Short: "Load bundles and drive them from a tick loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd, args)
			if err != nil {
				return err
			}
			defer h.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return h.loop(ctx)
		},
	}
}

// host wires the full stack for the CLI: config, logging, sandbox runtime,
// registry, governor and dispatcher.
type host struct {
	cfg    config.Config
	logger *zap.Logger
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	tick   uint64
}

func newHost(cmd *cobra.Command, bundles []string) (*host, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}

	store := &logStore{logger: logger}
	var assets pluginhost.AssetSource
	if assetsDir != "" {
		assets = assetDir(assetsDir)
	}

	rt := sandbox.New(cfg.Sandbox, store, assets)
	reg := registry.New()
	gov := governor.New(cfg.Governor)
	reg.OnUnregister(gov.Forget)

	paths := append(append([]string{}, cfg.Bundles...), bundles...)
	for _, path := range paths {
		b, err := bundle.ReadFile(path)
		if err != nil {
			_ = reg.Close(cmd.Context())
			return nil, fmt.Errorf("bundle %s: %w", path, err)
		}
		inst, err := rt.Load(cmd.Context(), b)
		if err != nil {
			_ = reg.Close(cmd.Context())
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if err := reg.Register(inst); err != nil {
			_ = inst.Close(cmd.Context())
			_ = reg.Close(cmd.Context())
			return nil, err
		}
		logger.Info("registered plugin",
			zap.String("plugin", inst.Plugin()),
			zap.String("instance", inst.ID()),
		)
	}

	return &host{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		disp:   dispatch.New(reg, store, gov),
	}, nil
}

// step runs one simulation tick.
func (h *host) step(ctx context.Context) error {
	h.tick++
	return h.disp.Tick(ctx, h.tick, nil)
}

func (h *host) loop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.step(ctx); err != nil {
				return err
			}
		}
	}
}

func (h *host) close() {
	_ = h.reg.Close(context.Background())
	_ = h.logger.Sync()
}

// logStore is the CLI's stand-in for the authoritative store: queries
// answer with an empty document and applied batches are logged.
type logStore struct {
	logger *zap.Logger
}

func (s *logStore) Query(_ context.Context, req []byte) ([]byte, error) {
	return []byte(`{}`), nil
}

func (s *logStore) Apply(_ context.Context, batch pluginhost.ActionBatch) error {
	kinds := make([]string, 0, len(batch.Actions))
	for _, a := range batch.Actions {
		kinds = append(kinds, a.Kind)
	}
	s.logger.Info("applied action batch",
		zap.String("plugin", batch.Plugin),
		zap.Uint64("tick", batch.Tick),
		zap.String("actions", strings.Join(kinds, ",")),
	)
	return nil
}

// assetDir serves read-asset requests from a directory, refusing paths that
// escape it.
type assetDir string

func (d assetDir) ReadAsset(_ context.Context, name string) ([]byte, error) {
	clean := filepath.Clean("/" + name)
	return os.ReadFile(filepath.Join(string(d), clean))
}
