package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/internal/testutil"
	"github.com/tolelom/poschain/validator"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeFile(t, "node.yaml", `
node_id: alpha
consensus:
  slot_duration: 500ms
  epoch_length: 4
  validator:
    violation_slash: 250000
genesis:
  chain_id: testnet
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.NodeID)
	assert.Equal(t, 500*time.Millisecond, cfg.Consensus.SlotDuration)
	assert.Equal(t, uint64(4), cfg.Consensus.EpochLength)
	assert.Equal(t, "testnet", cfg.Genesis.ChainID)
	assert.Equal(t, uint64(250000), cfg.Consensus.Validator.ViolationSlash)
	assert.Equal(t, DefaultConfig().Consensus.Validator.ExitDelay, cfg.Consensus.Validator.ExitDelay)
	assert.Equal(t, 8545, cfg.RPCPort, "unset keys keep their default")
	assert.Equal(t, DefaultConfig().Gas, cfg.Gas)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "node.json", `{"rpc_port": 9000}`)
	t.Setenv("POS_RPC_PORT", "9100")
	t.Setenv("POS_CONSENSUS_EPOCH_LENGTH", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.RPCPort)
	assert.Equal(t, uint64(7), cfg.Consensus.EpochLength)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, DefaultConfig().NodeID, cfg.NodeID)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"chain id":  func(c *Config) { c.Genesis.ChainID = "" },
		"slot":      func(c *Config) { c.Consensus.SlotDuration = 0 },
		"epoch":     func(c *Config) { c.Consensus.EpochLength = 0 },
		"hasher":    func(c *Config) { c.Hasher = "md5" },
		"exponent":  func(c *Config) { c.AI.Exponent = 0 },
		"min stake": func(c *Config) { c.Consensus.Validator.MinStake = 0 },
		"slash":     func(c *Config) { c.Consensus.Validator.ViolationSlash = validator.ScoreScale + 1 },
		"alloc":     func(c *Config) { c.Genesis.Alloc["nope"] = 1 },
		"validator": func(c *Config) {
			c.Genesis.Validators = []GenesisValidator{{PubKey: "zz", Stake: 1}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestGenesisIsDeterministic(t *testing.T) {
	g := GenesisConfig{
		ChainID: "g",
		Time:    1000,
		Alloc: map[string]uint64{
			testutil.Address(1): 100,
			testutil.Address(2): 200,
		},
		Validators: []GenesisValidator{
			{PubKey: testutil.Key(3).Public().Hex(), Stake: 50},
		},
	}
	a, err := CreateGenesisBlock(g, testutil.NewStateDB(), validator.DefaultParams())
	require.NoError(t, err)
	b, err := CreateGenesisBlock(g, testutil.NewStateDB(), validator.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, a.IsGenesis())

	st := testutil.NewStateDB()
	_, err = CreateGenesisBlock(g, st, validator.DefaultParams())
	require.NoError(t, err)
	v, err := validator.NewRegistry(st, validator.DefaultParams()).Get(testutil.Address(3))
	require.NoError(t, err)
	assert.True(t, v.Active)
	assert.Equal(t, uint64(50), v.Stake)

	acc, err := st.GetAccount(testutil.Address(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), acc.Balance)
	assert.Equal(t, crypto.HasherSHA256, DefaultConfig().Hasher)
}
