package worker

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-sidechain-worker/api"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// Attestation providers accepted in AttestationConfig.Provider.
const (
	ProviderDCAP   = "dcap"
	ProviderRemote = "remote"
	ProviderDummy  = "dummy"
)

const devSealSecretFile = "dev_seal_secret.bin"

var (
	// ErrInvalidConfig is returned by Validate and LoadConfig.
	ErrInvalidConfig = errors.New("invalid worker configuration")

	// ErrNoSealSecret is returned outside dev mode when no seal secret file is configured.
	ErrNoSealSecret = errors.New("no seal secret configured")
)

// Config is everything a worker needs. It is built once by the caller and
// handed to New; no component reads process-wide state.
type Config struct {
	// DataDir is the root of the sealed store. It is locked for the lifetime of the worker.
	DataDir string `toml:"data_dir"`
	// Shard is the hex shard identifier. Empty derives it from the registry address.
	Shard string `toml:"shard"`
	// RootAccount is the hex account allowed privileged ledger operations.
	// Empty means the enclave account.
	RootAccount string `toml:"root_account"`
	// Url is announced in the registration and served to provisioning peers.
	Url string `toml:"url"`
	// SealSecretFile holds the platform seal secret. Dev mode generates one when empty.
	SealSecretFile string `toml:"seal_secret_file"`
	// Mirrors are location URIs sealed ciphertext is replicated to.
	Mirrors []string `toml:"mirrors"`

	DevMode         bool `toml:"dev"`
	SkipAttestation bool `toml:"skip_attestation"`

	Attestation  AttestationConfig  `toml:"attestation"`
	Chain        ChainConfig        `toml:"chain"`
	Provisioning ProvisioningConfig `toml:"provisioning"`
	HTTP         HTTPConfig         `toml:"http"`
}

type AttestationConfig struct {
	// Provider is one of dcap, remote or dummy.
	Provider   string `toml:"provider"`
	RemoteAddr string `toml:"remote_addr"`
}

type ChainConfig struct {
	RPCAddr       string        `toml:"rpc_addr"`
	Registry      string        `toml:"registry"`
	FinalityDepth uint64        `toml:"finality_depth"`
	PollInterval  time.Duration `toml:"poll_interval"`
	// FaucetKey is the hex private key funding the enclave in dev mode.
	FaucetKey string `toml:"faucet_key"`
	// InMemory runs against a MemoryChain instead of RPCAddr. Dev mode only.
	InMemory bool `toml:"in_memory"`
}

type ProvisioningConfig struct {
	// Peers are base urls of enclaves to request the shard state from.
	Peers []string `toml:"peers"`
	// SRVName, when set, is resolved for additional peers.
	SRVName  string `toml:"srv_name"`
	Resolver string `toml:"resolver"`

	RateLimit     float64       `toml:"rate_limit"`
	Burst         int           `toml:"burst"`
	Attempts      int           `toml:"attempts"`
	RetryInterval time.Duration `toml:"retry_interval"`
}

type HTTPConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	MetricsAddr  string `toml:"metrics_addr"`
	EnablePprof  bool   `toml:"pprof"`
	DrainSeconds int64  `toml:"drain_seconds"`
	// TLS serves the API with a self-signed certificate.
	TLS bool `toml:"tls"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
		Url:     "https://127.0.0.1:8080",
		Attestation: AttestationConfig{
			Provider: ProviderDCAP,
		},
		Chain: ChainConfig{
			RPCAddr:       "http://127.0.0.1:8545",
			FinalityDepth: 12,
			PollInterval:  time.Second,
		},
		Provisioning: ProvisioningConfig{
			RateLimit:     1,
			Burst:         4,
			Attempts:      5,
			RetryInterval: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:   "127.0.0.1:8080",
			MetricsAddr:  "127.0.0.1:8090",
			DrainSeconds: 45,
		},
	}
}

// LoadConfig decodes the TOML file at path over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
	}
	return cfg, nil
}

// Validate checks the parts of the configuration that can be checked before
// anything is opened.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if _, err := c.RegistryAddress(); err != nil {
		return err
	}
	if _, err := c.ShardIdentifier(); err != nil {
		return err
	}
	if c.RootAccount != "" {
		if _, err := interfaces.NewAccountIdFromHex(c.RootAccount); err != nil {
			return fmt.Errorf("%w: root_account: %v", ErrInvalidConfig, err)
		}
	}

	switch c.Attestation.Provider {
	case ProviderDCAP, ProviderDummy:
	case ProviderRemote:
		if c.Attestation.RemoteAddr == "" {
			return fmt.Errorf("%w: remote attestation needs remote_addr", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown attestation provider %q", ErrInvalidConfig, c.Attestation.Provider)
	}

	if !c.DevMode {
		if c.SkipAttestation {
			return fmt.Errorf("%w: skip_attestation requires dev mode", ErrInvalidConfig)
		}
		if c.Chain.InMemory {
			return fmt.Errorf("%w: in-memory chain requires dev mode", ErrInvalidConfig)
		}
		if c.SealSecretFile == "" {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNoSealSecret)
		}
	}
	return nil
}

// RegistryAddress parses the registry contract address.
func (c *Config) RegistryAddress() (common.Address, error) {
	if !common.IsHexAddress(c.Chain.Registry) {
		return common.Address{}, fmt.Errorf("%w: registry address %q", ErrInvalidConfig, c.Chain.Registry)
	}
	return common.HexToAddress(c.Chain.Registry), nil
}

// ShardIdentifier parses Shard, or derives the shard from the registry
// address when Shard is empty.
func (c *Config) ShardIdentifier() (interfaces.ShardIdentifier, error) {
	if c.Shard != "" {
		shard, err := interfaces.NewShardIdentifierFromHex(c.Shard)
		if err != nil {
			return interfaces.ShardIdentifier{}, fmt.Errorf("%w: shard: %v", ErrInvalidConfig, err)
		}
		return shard, nil
	}
	registry, err := c.RegistryAddress()
	if err != nil {
		return interfaces.ShardIdentifier{}, err
	}
	return interfaces.ShardIdentifier(crypto.Keccak256Hash(registry.Bytes())), nil
}

func (c *Config) serverConfig(log *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               c.HTTP.ListenAddr,
		MetricsAddr:              c.HTTP.MetricsAddr,
		EnablePprof:              c.HTTP.EnablePprof,
		TLS:                      c.HTTP.TLS,
		StartNotReady:            true,
		Log:                      log,
		DrainDuration:            time.Duration(c.HTTP.DrainSeconds) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// loadSealSecret reads the seal secret. In dev mode without a configured
// file, a random secret is generated once under the data directory.
func (c *Config) loadSealSecret(log *slog.Logger) ([]byte, error) {
	path := c.SealSecretFile
	if path == "" {
		if !c.DevMode {
			return nil, ErrNoSealSecret
		}
		path = filepath.Join(c.DataDir, devSealSecretFile)
	}

	secret, err := os.ReadFile(path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) || c.SealSecretFile != "" {
		return nil, fmt.Errorf("failed to read seal secret: %w", err)
	}

	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate dev seal secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("failed to write dev seal secret: %w", err)
	}
	log.Warn("Generated development seal secret", slog.String("path", path))
	return secret, nil
}
