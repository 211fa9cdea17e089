package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/chanvault/internal/node"
)

// StartedNode is one node's start outcome.
type StartedNode struct {
	Node   string      `json:"node"`
	Status node.Status `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start [node-id...]",
		Short: "Recover and run nodes until interrupted",
		Long: `Recover the given nodes, or every provisioned node when none is
named, and run their chain polling and persistence loops until SIGINT or
SIGTERM. A node whose stored state is inconsistent is reported and left
stopped; the others keep running.

Example:
  chanvault start --config ./chanvault.yaml
  chanvault start 0190f5b2-...`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, rootOpts, args)
		},
	}
}

func runStart(cmd *cobra.Command, opts *RootOptions, ids []string) error {
	e, err := openEnv(cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	results, err := startNodes(ctx, e.service, ids)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start nodes", err)
	}
	defer func() {
		if err := e.service.Close(); err != nil {
			e.logger.Error("error stopping nodes", "error", err)
		}
	}()

	started := make([]StartedNode, len(results))
	running := 0
	var b strings.Builder
	for i, r := range results {
		started[i] = StartedNode{Node: r.Node, Status: r.Status}
		if r.Err != nil {
			started[i].Error = r.Err.Error()
		}
		if r.Status == node.StatusRunning {
			running++
		}
		fmt.Fprintf(&b, "%-12s %s\n", r.Status, r.Node)
	}
	if err := e.out.Success(started, strings.TrimSuffix(b.String(), "\n")); err != nil {
		return err
	}
	if running == 0 {
		return NewExitError(ExitFailure, "no node is running")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	e.logger.Info("nodes running", "count", running)
	select {
	case sig := <-sigChan:
		e.logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	return nil
}

// startNodes starts ids, or every provisioned node when ids is empty.
func startNodes(ctx context.Context, svc *node.Service, ids []string) ([]node.StartResult, error) {
	if len(ids) == 0 {
		return svc.StartAll(ctx)
	}
	results := make([]node.StartResult, 0, len(ids))
	for _, id := range ids {
		_, err := svc.Start(ctx, id)
		if errors.Is(err, node.ErrAlreadyRunning) {
			continue
		}
		results = append(results, node.StartResult{Node: id, Status: node.Classify(err), Err: err})
	}
	return results, nil
}
