package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/config"
	"github.com/roach88/chanvault/internal/keys"
	"github.com/roach88/chanvault/internal/ledger"
	"github.com/roach88/chanvault/internal/node"
	"github.com/roach88/chanvault/internal/store"
)

// env is everything a command needs to act on the database.
type env struct {
	cfg     *config.Config
	net     *chaincfg.Params
	logger  *slog.Logger
	store   *store.Store
	keys    *keys.Hierarchy
	service *node.Service
	out     *OutputFormatter

	closers []func() error
}

// backendFactory creates bitcoind backends. Tests replace it.
var backendFactory = bitcoindBackends

// openEnv loads the configuration, installs the logger and opens the
// database.
func openEnv(cmd *cobra.Command, opts *RootOptions) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	netParams, err := cfg.Params()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	e := &env{
		cfg: cfg,
		net: netParams,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}

	logger, closeLog, err := newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open log file", err)
	}
	e.logger = logger
	e.closers = append(e.closers, closeLog)
	slog.SetDefault(logger)

	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	e.store = st
	e.closers = append(e.closers, st.Close)

	e.keys = keys.NewHierarchy(st, netParams, keys.WithLogger(logger))
	e.service = node.NewService(st, e.keys, ledger.New(logger),
		backendFactory(cfg, netParams, logger),
		node.NewRegistry(),
		node.WithLogger(logger),
		node.WithCatchUp(cfg.Recovery.CatchUp),
		node.WithIntervals(cfg.Chain.PollInterval, cfg.Persist.GraphInterval, cfg.Persist.ScorerInterval),
	)
	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Error("error during shutdown", "error", err)
		}
	}
	e.closers = nil
}

// newLogger builds the text logger. Output goes to log.file when set,
// otherwise to stderr.
func newLogger(cfg *config.Config, verbose bool, stderr io.Writer) (*slog.Logger, func() error, error) {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	w, closeFn := stderr, func() error { return nil }
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		w, closeFn = f, f.Close
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// bitcoindBackends connects each node to its own bitcoind wallet, named
// after the node id unless the config pins one.
func bitcoindBackends(cfg *config.Config, netParams *chaincfg.Params, logger *slog.Logger) node.BackendFactory {
	return func(ctx context.Context, n store.Node) (chain.Backend, error) {
		base := chain.BitcoindConfig{
			Host:     cfg.Bitcoind.Host,
			Port:     cfg.RPCPort(),
			User:     cfg.Bitcoind.User,
			Password: cfg.Bitcoind.Password,
			Network:  netParams,
		}
		wallet := cfg.Bitcoind.Wallet
		if wallet == "" {
			wallet = n.ID
			admin, err := chain.NewBitcoind(base, logger)
			if err != nil {
				return nil, fmt.Errorf("bitcoind: %w", err)
			}
			err = admin.CreateWallet(ctx, wallet)
			admin.Close()
			if err != nil {
				return nil, &chain.TransientError{Op: "create wallet", Err: err}
			}
		}
		base.Wallet = wallet
		b, err := chain.NewBitcoind(base, logger.With("node", n.ID))
		if err != nil {
			return nil, fmt.Errorf("bitcoind: %w", err)
		}
		return b, nil
	}
}
