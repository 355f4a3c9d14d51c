package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/executor"
	"github.com/tolelom/poschain/logging"
	"github.com/tolelom/poschain/validator"
)

// EnvPrefix prefixes every environment override, e.g. POS_RPC_PORT.
const EnvPrefix = "POS"

// PasswordEnv names the variable holding the keystore password.
const PasswordEnv = "POS_PASSWORD"

// GenesisValidator is a validator active from block zero.
type GenesisValidator struct {
	PubKey string `json:"pub_key" mapstructure:"pub_key"`
	Stake  uint64 `json:"stake" mapstructure:"stake"`
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID    string             `json:"chain_id" mapstructure:"chain_id"`
	Time       int64              `json:"time" mapstructure:"time"`   // unix milliseconds
	Alloc      map[string]uint64  `json:"alloc" mapstructure:"alloc"` // address → initial balance
	Validators []GenesisValidator `json:"validators" mapstructure:"validators"`
}

// ConsensusConfig holds the protocol constants every node of a chain must
// agree on.
type ConsensusConfig struct {
	SlotDuration      time.Duration    `json:"slot_duration" mapstructure:"slot_duration"`
	EpochLength       uint64           `json:"epoch_length" mapstructure:"epoch_length"` // slots
	ConfirmationDepth uint64           `json:"confirmation_depth" mapstructure:"confirmation_depth"`
	MaxTxsPerBlock    int              `json:"max_txs_per_block" mapstructure:"max_txs_per_block"`
	BlockGasLimit     uint64           `json:"block_gas_limit" mapstructure:"block_gas_limit"`
	Validator         validator.Params `json:"validator" mapstructure:"validator"`
}

// SeedPeer is a peer dialled at startup.
type SeedPeer struct {
	ID   string `json:"id" mapstructure:"id"`
	Addr string `json:"addr" mapstructure:"addr"`
}

// TLSConfig holds PEM paths for mutual TLS between peers.
type TLSConfig struct {
	CACert   string `json:"ca_cert" mapstructure:"ca_cert"`
	NodeCert string `json:"node_cert" mapstructure:"node_cert"`
	NodeKey  string `json:"node_key" mapstructure:"node_key"`
}

// Config holds all node configuration.
type Config struct {
	NodeID       string               `json:"node_id" mapstructure:"node_id"`
	DataDir      string               `json:"data_dir" mapstructure:"data_dir"`
	RPCPort      int                  `json:"rpc_port" mapstructure:"rpc_port"`
	P2PPort      int                  `json:"p2p_port" mapstructure:"p2p_port"`
	RPCAuthToken string               `json:"rpc_auth_token" mapstructure:"rpc_auth_token"`
	Hasher       string               `json:"hasher" mapstructure:"hasher"`
	SeedPeers    []SeedPeer           `json:"seed_peers" mapstructure:"seed_peers"`
	TLS          *TLSConfig           `json:"tls,omitempty" mapstructure:"tls"`
	Log          logging.Config       `json:"log" mapstructure:"log"`
	Consensus    ConsensusConfig      `json:"consensus" mapstructure:"consensus"`
	Gas          executor.GasSchedule `json:"gas" mapstructure:"gas"`
	AI           aiscore.Params       `json:"ai" mapstructure:"ai"`
	Genesis      GenesisConfig        `json:"genesis" mapstructure:"genesis"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  "node0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
		Hasher:  crypto.HasherSHA256,
		Log:     logging.Config{Level: "info", Format: "json"},
		Consensus: ConsensusConfig{
			SlotDuration:      2 * time.Second,
			EpochLength:       32,
			ConfirmationDepth: 6,
			MaxTxsPerBlock:    500,
			BlockGasLimit:     10_000_000,
			Validator:         validator.DefaultParams(),
		},
		Gas: executor.DefaultGasSchedule(),
		AI:  aiscore.DefaultParams(),
		Genesis: GenesisConfig{
			ChainID: "poschain-dev",
			Alloc:   map[string]uint64{},
		},
	}
}

// envKeys are the scalar settings that can be overridden from the
// environment without appearing in the file.
var envKeys = []string{
	"node_id", "data_dir", "rpc_port", "p2p_port", "rpc_auth_token", "hasher",
	"log.level", "log.format",
	"consensus.slot_duration", "consensus.epoch_length", "consensus.confirmation_depth",
	"consensus.max_txs_per_block", "consensus.block_gas_limit",
	"genesis.chain_id", "genesis.time",
}

// Load reads the config file at path (JSON, YAML or TOML by extension) on
// top of DefaultConfig and applies POS_* environment overrides. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to defaults when path does not exist.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Load("")
		return cfg, false, err
	}
	return cfg, err == nil, err
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.Genesis.ChainID == "" {
		return errors.New("config: genesis.chain_id is required")
	}
	if c.Consensus.SlotDuration <= 0 {
		return errors.New("config: consensus.slot_duration must be positive")
	}
	if c.Consensus.EpochLength == 0 {
		return errors.New("config: consensus.epoch_length must be >= 1")
	}
	if c.Consensus.BlockGasLimit < c.Gas.TxBase {
		return fmt.Errorf("config: block_gas_limit %d below tx_base %d", c.Consensus.BlockGasLimit, c.Gas.TxBase)
	}
	if c.Consensus.MaxTxsPerBlock < 0 {
		return errors.New("config: max_txs_per_block must be >= 0")
	}
	if _, err := crypto.NewHasher(c.Hasher); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Consensus.Validator.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for i, gv := range c.Genesis.Validators {
		if _, err := crypto.PubKeyFromHex(gv.PubKey); err != nil {
			return fmt.Errorf("config: genesis validator %d: %w", i, err)
		}
	}
	for addr := range c.Genesis.Alloc {
		if !crypto.IsAddress(addr) {
			return fmt.Errorf("config: genesis alloc %q is not an address", addr)
		}
	}
	return nil
}

// ExecutorParams returns the transaction processor parameters.
func (c *Config) ExecutorParams() executor.Params {
	return executor.Params{Gas: c.Gas, Validator: c.Consensus.Validator}
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
