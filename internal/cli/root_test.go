package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/chain/chaintest"
	"github.com/roach88/chanvault/internal/config"
	"github.com/roach88/chanvault/internal/node"
	"github.com/roach88/chanvault/internal/store"
)

// cliEnv runs commands against a temp database and an in-memory chain.
type cliEnv struct {
	dir   string
	chain *chaintest.Chain
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	c := chaintest.New(&chaincfg.RegressionNetParams)
	prev := backendFactory
	backendFactory = func(*config.Config, *chaincfg.Params, *slog.Logger) node.BackendFactory {
		return func(context.Context, store.Node) (chain.Backend, error) { return c, nil }
	}
	t.Cleanup(func() { backendFactory = prev })
	return &cliEnv{dir: t.TempDir(), chain: c}
}

func (e *cliEnv) run(ctx context.Context, args ...string) (string, error) {
	cmd := NewRootCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(e.dir, "missing.yaml"),
		"--db", filepath.Join(e.dir, "cli.db"),
	}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "chanvault", cmd.Use)

	for _, name := range []string{"init", "node", "recover", "start", "test"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, path := range [][]string{{"node", "create"}, {"node", "list"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "chanvault.yaml", cfg.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(context.Background(), "--format", "xml", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestInit_Idempotent(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()

	out, err := env.run(ctx, "--format", "json", "init")
	require.NoError(t, err)
	var first InitResult
	decodeData(t, out, &first)
	assert.Equal(t, "regtest", first.Network)
	assert.NotEmpty(t, first.MasterSeedID)

	out, err = env.run(ctx, "--format", "json", "init")
	require.NoError(t, err)
	var second InitResult
	decodeData(t, out, &second)
	assert.Equal(t, first.MasterSeedID, second.MasterSeedID)
}

func TestNodeCreateAndList(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()

	out, err := env.run(ctx, "node", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No nodes.")

	var created []NodeInfo
	for i := 0; i < 2; i++ {
		out, err := env.run(ctx, "--format", "json", "node", "create")
		require.NoError(t, err)
		var n NodeInfo
		decodeData(t, out, &n)
		created = append(created, n)
	}
	assert.NotEqual(t, created[0].PubKey, created[1].PubKey)

	out, err = env.run(ctx, "--format", "json", "node", "list")
	require.NoError(t, err)
	var listed []NodeInfo
	decodeData(t, out, &listed)
	assert.ElementsMatch(t, created, listed)
}

func TestRecover_DryRunWritesNothing(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()

	out, err := env.run(ctx, "--format", "json", "node", "create")
	require.NoError(t, err)
	var n NodeInfo
	decodeData(t, out, &n)

	for i := 0; i < 2; i++ {
		out, err = env.run(ctx, "--format", "json", "recover", "--dry-run", n.ID)
		require.NoError(t, err)
		var res RecoverResult
		decodeData(t, out, &res)
		assert.True(t, res.DryRun)
		assert.Equal(t, "fresh", string(res.Report.Path), "dry run must not persist the manager")
		require.Len(t, res.Digests, 1)
		assert.Equal(t, "manager", res.Digests[0].Name)
	}

	out, err = env.run(ctx, "recover", n.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "(fresh)")

	out, err = env.run(ctx, "recover", n.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "(restart)")
}

func TestRecover_UnknownNode(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(context.Background(), "recover", "no-such-node")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStart_NoNodes(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(context.Background(), "start")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no node is running")
}

func TestStart_RunsUntilCancelled(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(context.Background(), "--format", "json", "node", "create")
	require.NoError(t, err)
	var n NodeInfo
	decodeData(t, out, &n)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err = env.run(ctx, "start", n.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, n.ID)
}
