package node

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/botho-network/botho/consensus"
	"github.com/botho-network/botho/types"
)

// ValidatorConfig is one roster entry.
type ValidatorConfig struct {
	ID             string `yaml:"id"`
	PublicKey      string `yaml:"public_key"`
	NetworkAddress string `yaml:"network_address"`
}

// QuorumSetConfig mirrors the recursive threshold structure in YAML.
type QuorumSetConfig struct {
	Threshold  int                `yaml:"threshold"`
	Validators []string           `yaml:"validators"`
	Inner      []*QuorumSetConfig `yaml:"inner"`
}

// Config is the process-start configuration.
type Config struct {
	Validators        []ValidatorConfig `yaml:"validators"`
	QuorumSet         *QuorumSetConfig  `yaml:"quorum_set"`
	GenesisBlock      string            `yaml:"genesis_block"` // hex-encoded block
	DataDirectory     string            `yaml:"data_directory"`
	RingSize          int               `yaml:"ring_size"`
	MaxMempoolBytes   int               `yaml:"max_mempool_bytes"`
	MaxBlockBytes     int               `yaml:"max_block_bytes"`
	SlotTimeoutBaseMs int               `yaml:"slot_timeout_base_ms"`
	ListenAddress     string            `yaml:"listen_address"`
	ValidatorKeyFile  string            `yaml:"validator_key_file"`
}

// LoadConfig reads and checks a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the recognized options.
func (c *Config) Check() error {
	if len(c.Validators) == 0 {
		return errors.New("config: no validators")
	}
	if c.QuorumSet == nil {
		return errors.New("config: no quorum set")
	}
	if c.GenesisBlock == "" {
		return errors.New("config: no genesis block")
	}
	if c.DataDirectory == "" {
		c.DataDirectory = "./data"
	}
	if c.RingSize == 0 {
		c.RingSize = types.MinRingSize
	}
	if c.RingSize < types.MinRingSize || c.RingSize > types.MaxRingSize {
		return errors.Errorf("config: ring size %d outside [%d, %d]",
			c.RingSize, types.MinRingSize, types.MaxRingSize)
	}
	if c.MaxMempoolBytes == 0 {
		c.MaxMempoolBytes = 32 * 1024 * 1024
	}
	if c.MaxBlockBytes == 0 {
		c.MaxBlockBytes = 1024 * 1024
	}
	if c.SlotTimeoutBaseMs == 0 {
		c.SlotTimeoutBaseMs = 1000
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":9000"
	}
	return nil
}

func parseKey(s string) (types.PublicKey, error) {
	var pk types.PublicKey
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 32 {
		return pk, errors.Errorf("bad public key %q", s)
	}
	copy(pk[:], raw)
	return pk, nil
}

// Roster returns the validator keys in genesis order.
func (c *Config) Roster() ([]types.PublicKey, error) {
	out := make([]types.PublicKey, len(c.Validators))
	for i, v := range c.Validators {
		pk, err := parseKey(v.PublicKey)
		if err != nil {
			return nil, err
		}
		out[i] = pk
	}
	return out, nil
}

// BuildQuorumSet converts the YAML form into the engine structure.
func (c *Config) BuildQuorumSet() (*consensus.QuorumSet, error) {
	qs, err := buildQSet(c.QuorumSet)
	if err != nil {
		return nil, err
	}
	if err := qs.Validate(); err != nil {
		return nil, err
	}
	return qs, nil
}

func buildQSet(cfg *QuorumSetConfig) (*consensus.QuorumSet, error) {
	qs := &consensus.QuorumSet{Threshold: cfg.Threshold}
	for _, v := range cfg.Validators {
		pk, err := parseKey(v)
		if err != nil {
			return nil, err
		}
		qs.Validators = append(qs.Validators, pk)
	}
	for _, inner := range cfg.Inner {
		nested, err := buildQSet(inner)
		if err != nil {
			return nil, err
		}
		qs.Inner = append(qs.Inner, nested)
	}
	return qs, nil
}

// Genesis decodes the configured genesis block.
func (c *Config) Genesis() (*types.Block, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(c.GenesisBlock))
	if err != nil {
		return nil, errors.Wrap(err, "genesis hex")
	}
	return types.DecodeBlock(raw)
}

// ListenPort extracts the TCP port from the listen address.
func (c *Config) ListenPort() (int, error) {
	addr := c.ListenAddress
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[i+1:]
	}
	port, err := strconv.Atoi(addr)
	if err != nil {
		return 0, errors.Errorf("bad listen address %q", c.ListenAddress)
	}
	return port, nil
}

// BootstrapAddrs returns the other validators' network addresses.
func (c *Config) BootstrapAddrs(self types.PublicKey) []string {
	var out []string
	for _, v := range c.Validators {
		if v.NetworkAddress == "" {
			continue
		}
		if pk, err := parseKey(v.PublicKey); err == nil && pk == self {
			continue
		}
		out = append(out, v.NetworkAddress)
	}
	return out
}
