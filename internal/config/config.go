// Package config loads chanvault's YAML configuration and validates it
// against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the full chanvault configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Network  string         `yaml:"network"`
	Bitcoind BitcoindConfig `yaml:"bitcoind"`
	Log      LogConfig      `yaml:"log"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Persist  PersistConfig  `yaml:"persist"`
	Chain    ChainConfig    `yaml:"chain"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BitcoindConfig locates the bitcoind RPC server. Port 0 selects the
// network's default RPC port.
type BitcoindConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Wallet   string `yaml:"wallet"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type RecoveryConfig struct {
	CatchUp bool `yaml:"catch_up"`
}

type PersistConfig struct {
	GraphInterval  time.Duration `yaml:"graph_interval"`
	ScorerInterval time.Duration `yaml:"scorer_interval"`
}

type ChainConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Error is a configuration that could not be read or is invalid.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "chanvault.db"},
		Network:  "regtest",
		Bitcoind: BitcoindConfig{Host: "127.0.0.1"},
		Log:      LogConfig{Level: "info"},
		Recovery: RecoveryConfig{CatchUp: true},
		Persist:  PersistConfig{GraphInterval: 600 * time.Second, ScorerInterval: 600 * time.Second},
		Chain:    ChainConfig{PollInterval: 10 * time.Second},
	}
}

// Load reads and validates the file at path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Parse validates data and decodes it over the defaults.
func Parse(data []byte) (*Config, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Err: err}
	}
	return cfg, nil
}

// Validate checks data against the CUE #Config definition. Unknown keys
// are rejected.
func Validate(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &Error{Err: err}
	}
	if raw == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return &Error{Err: fmt.Errorf("schema: %w", err)}
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(raw)
	if err := v.Err(); err != nil {
		return &Error{Err: err}
	}
	if err := def.Unify(v).Validate(); err != nil {
		return &Error{Err: err}
	}
	return nil
}

// Params returns the chain parameters for Network.
func (c *Config) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, &Error{Err: fmt.Errorf("unknown network %q", c.Network)}
	}
}

// RPCPort returns the configured bitcoind port or the network default.
func (c *Config) RPCPort() int {
	if c.Bitcoind.Port != 0 {
		return c.Bitcoind.Port
	}
	switch c.Network {
	case "mainnet":
		return 8332
	case "testnet":
		return 18332
	case "signet":
		return 38332
	default:
		return 18443
	}
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
