package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trustmesh/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress             string `toml:"RPCAddress"`
	DataDir                string `toml:"DataDir"`
	NetworkName            string `toml:"NetworkName"`
	OracleKeystorePath     string `toml:"OracleKeystorePath"`
	OracleAddress          string `toml:"OracleAddress,omitempty"`
	RequireDistinctParties bool   `toml:"RequireDistinctParties"`
	EventRetention         int    `toml:"EventRetention"`
}

// Load loads the configuration from the given path, creating a default
// file (and oracle keystore) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.OracleAddress) == "" {
		if err := ensureOracleKeystore(path, cfg); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "trustmesh-local"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./trustmesh-data"
	}
	if cfg.EventRetention < 0 {
		return nil, fmt.Errorf("config: EventRetention must be >= 0")
	}

	return cfg, nil
}

// Oracle resolves the oracle address the node verifies signed receipt
// instructions against. An explicit OracleAddress wins; otherwise the
// keystore's key is used.
func (c *Config) Oracle(passphrase string) ([20]byte, error) {
	if trimmed := strings.TrimSpace(c.OracleAddress); trimmed != "" {
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return [20]byte{}, fmt.Errorf("config: invalid OracleAddress: %w", err)
		}
		return addr.Fixed(), nil
	}
	if strings.TrimSpace(c.OracleKeystorePath) == "" {
		return [20]byte{}, fmt.Errorf("config: no oracle configured")
	}
	key, err := crypto.LoadFromKeystore(c.OracleKeystorePath, passphrase)
	if err != nil {
		return [20]byte{}, err
	}
	return key.PubKey().Address(crypto.ReceiptPrefix).Fixed(), nil
}

func ensureOracleKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OracleKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OracleKeystorePath != keystorePath {
		cfg.OracleKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:     ":8080",
		DataDir:        "./trustmesh-data",
		NetworkName:    "trustmesh-local",
		EventRetention: 0,
	}
	cfg.OracleKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "oracle.keystore")
}
