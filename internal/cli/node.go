package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chanvault/internal/store"
)

// NodeInfo is one node as printed by the CLI.
type NodeInfo struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
	KeyID  string `json:"key_id"`
}

func nodeInfo(n store.Node) NodeInfo {
	return NodeInfo{ID: n.ID, PubKey: n.PubKey, KeyID: n.KeyID}
}

// NewNodeCommand creates the node command group.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Provision and list nodes",
	}
	cmd.AddCommand(newNodeCreateCommand(rootOpts))
	cmd.AddCommand(newNodeListCommand(rootOpts))
	return cmd
}

func newNodeCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "create",
		Short:         "Provision a node with the next derived key",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.service.Provision(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to provision node", err)
			}
			return e.out.Success(nodeInfo(n), fmt.Sprintf("Created node %s\n  pubkey %s", n.ID, n.PubKey))
		},
	}
}

func newNodeListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List provisioned nodes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			nodes, err := e.service.List(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list nodes", err)
			}
			infos := make([]NodeInfo, len(nodes))
			var b strings.Builder
			for i, n := range nodes {
				infos[i] = nodeInfo(n)
				fmt.Fprintf(&b, "%s  %s\n", n.ID, n.PubKey)
			}
			if len(nodes) == 0 {
				b.WriteString("No nodes.\n")
			}
			return e.out.Success(infos, strings.TrimSuffix(b.String(), "\n"))
		},
	}
}
