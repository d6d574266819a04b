package node

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botho-network/botho/testutil"
	"github.com/botho-network/botho/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botho.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func keyHex(b byte) string {
	var pk types.PublicKey
	pk[0] = b
	return hex.EncodeToString(pk[:])
}

func TestLoadConfig(t *testing.T) {
	genesis := testutil.GenesisBlock(nil)
	body := `
validators:
  - id: alpha
    public_key: ` + keyHex(1) + `
    network_address: /ip4/10.0.0.1/tcp/9000
  - id: beta
    public_key: ` + keyHex(2) + `
quorum_set:
  threshold: 2
  validators:
    - ` + keyHex(1) + `
    - ` + keyHex(2) + `
genesis_block: ` + hex.EncodeToString(genesis.Encode()) + `
data_directory: /tmp/botho-test
ring_size: 13
slot_timeout_base_ms: 500
listen_address: ":9101"
`
	cfg, err := LoadConfig(writeConfig(t, body))
	require.NoError(t, err)

	roster, err := cfg.Roster()
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, byte(1), roster[0][0])

	qset, err := cfg.BuildQuorumSet()
	require.NoError(t, err)
	assert.Equal(t, 2, qset.Threshold)

	block, err := cfg.Genesis()
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), block.Hash())

	port, err := cfg.ListenPort()
	require.NoError(t, err)
	assert.Equal(t, 9101, port)
	assert.Equal(t, 13, cfg.RingSize)

	var self types.PublicKey
	self[0] = 2
	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/9000"}, cfg.BootstrapAddrs(self))
}

func TestConfigRejectsBadRingSize(t *testing.T) {
	cfg := &Config{
		Validators:   []ValidatorConfig{{PublicKey: keyHex(1)}},
		QuorumSet:    &QuorumSetConfig{Threshold: 1, Validators: []string{keyHex(1)}},
		GenesisBlock: "00",
		RingSize:     10,
	}
	assert.Error(t, cfg.Check())
	cfg.RingSize = 21
	assert.Error(t, cfg.Check())
	cfg.RingSize = types.MaxRingSize
	assert.NoError(t, cfg.Check())
}

func TestValidatorKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.json")
	// A fresh identity written and reloaded yields the same keys.
	pubSeed := make([]byte, 32)
	privSeed := make([]byte, 64)
	for i := range privSeed {
		privSeed[i] = byte(i)
	}
	copy(pubSeed, privSeed[32:])
	var pub types.PublicKey
	copy(pub[:], pubSeed)
	require.NoError(t, WriteValidatorKey(path, privSeed, pub))

	loaded, err := loadValidatorKey(path)
	require.NoError(t, err)
	assert.Equal(t, pub, loaded.pub)
	assert.Equal(t, privSeed, []byte(loaded.priv))
}
