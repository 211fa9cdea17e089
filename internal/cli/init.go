package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// InitResult is the output of the init command.
type InitResult struct {
	Database     string `json:"database"`
	Network      string `json:"network"`
	MasterSeedID string `json:"master_seed_id"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and master seed",
		Long: `Create the SQLite database if it does not exist, apply the schema and
generate the master seed every node key is derived from. Running init
again is safe: an existing seed is kept.

Example:
  chanvault init --db ./chanvault.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			seed, err := e.keys.EnsureMasterSeed(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to create master seed", err)
			}
			res := InitResult{Database: e.cfg.Database.Path, Network: e.cfg.Network, MasterSeedID: seed.ID}
			return e.out.Success(res, fmt.Sprintf("Initialized %s (%s), master seed %s", res.Database, res.Network, res.MasterSeedID))
		},
	}
}
