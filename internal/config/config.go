// Package config loads the ironca YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
)

// Environment variables that override secrets in the file.
const (
	EnvMasterKey        = "IRONCA_MASTER_KEY"
	EnvMasterPassphrase = "IRONCA_MASTER_PASSPHRASE"
	EnvPostgresDSN      = "IRONCA_POSTGRES_DSN"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageBolt     = "bbolt"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Keystore drivers.
const (
	KeystoreFile = "file"
	KeystoreBolt = "bbolt"
)

// Config is the complete ironca configuration.
type Config struct {
	Storage   StorageConfig  `yaml:"storage"`
	Keystore  KeystoreConfig `yaml:"keystore"`
	Issuance  IssuanceConfig `yaml:"issuance"`
	Templates []pki.Template `yaml:"templates"`
	Logging   LoggingConfig  `yaml:"logging"`
	Server    ServerConfig   `yaml:"server"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, bbolt, postgres, sqlite
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// KeystoreConfig locates the custody store and its master secret. Exactly
// one of MasterKey (64 hex characters) or Passphrase must be set.
type KeystoreConfig struct {
	Driver     string `yaml:"driver"` // file, bbolt
	Path       string `yaml:"path"`
	MasterKey  string `yaml:"master_key"`
	Passphrase string `yaml:"passphrase"`
	// Salt is hex; required with Passphrase.
	Salt       string `yaml:"salt"`
	KDFProfile string `yaml:"kdf_profile"`
}

type IssuanceConfig struct {
	MinValidityDays int           `yaml:"min_validity_days"`
	MaxValidityDays int           `yaml:"max_validity_days"`
	RSAKeyBits      int           `yaml:"rsa_key_bits"`
	SerialBits      uint          `yaml:"serial_bits"`
	SerialAttempts  int           `yaml:"serial_attempts"`
	CRLValidity     time.Duration `yaml:"crl_validity"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	c.applyEnv()
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMasterKey); v != "" {
		c.Keystore.MasterKey = v
		c.Keystore.Passphrase = ""
	}
	if v := os.Getenv(EnvMasterPassphrase); v != "" {
		c.Keystore.Passphrase = v
		c.Keystore.MasterKey = ""
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Storage.DSN = v
	}
}

func (c *Config) setDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageBolt
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case StorageBolt:
			c.Storage.Path = "./data/ironca.db"
		case StorageSQLite:
			c.Storage.Path = "./data/ironca.sqlite"
		}
	}

	if c.Keystore.Driver == "" {
		c.Keystore.Driver = KeystoreFile
	}
	if c.Keystore.Path == "" && c.Keystore.Driver == KeystoreFile {
		c.Keystore.Path = "./data/keystore.json"
	}
	if c.Keystore.KDFProfile == "" {
		c.Keystore.KDFProfile = util.KDFProfileModerate
	}

	def := pki.DefaultPolicy()
	if c.Issuance.MinValidityDays == 0 {
		c.Issuance.MinValidityDays = def.MinValidityDays
	}
	if c.Issuance.MaxValidityDays == 0 {
		c.Issuance.MaxValidityDays = def.MaxValidityDays
	}
	if c.Issuance.RSAKeyBits == 0 {
		c.Issuance.RSAKeyBits = def.RSAKeyBits
	}
	if c.Issuance.SerialBits == 0 {
		c.Issuance.SerialBits = def.SerialBits
	}
	if c.Issuance.SerialAttempts == 0 {
		c.Issuance.SerialAttempts = def.SerialAttempts
	}
	if c.Issuance.CRLValidity == 0 {
		c.Issuance.CRLValidity = def.CRLValidity
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks configuration validity. Secrets are checked for shape
// only; Wrapper derives the key.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageBolt, StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for driver %s", c.Storage.Driver)
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn (or %s) is required for driver postgres", EnvPostgresDSN)
		}
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	switch c.Keystore.Driver {
	case KeystoreFile:
		if c.Keystore.Path == "" {
			return fmt.Errorf("keystore.path is required for driver file")
		}
	case KeystoreBolt:
		if c.Storage.Driver != StorageBolt {
			return fmt.Errorf("keystore driver bbolt shares the bbolt storage database")
		}
	default:
		return fmt.Errorf("invalid keystore driver: %s", c.Keystore.Driver)
	}

	switch {
	case c.Keystore.MasterKey != "" && c.Keystore.Passphrase != "":
		return fmt.Errorf("keystore.master_key and keystore.passphrase are mutually exclusive")
	case c.Keystore.MasterKey != "":
		key, err := util.HexDecode(c.Keystore.MasterKey)
		if err != nil || len(key) != util.AESKeySize {
			return fmt.Errorf("keystore.master_key must be %d hex-encoded bytes", util.AESKeySize)
		}
		util.WipeBytes(key)
	case c.Keystore.Passphrase != "":
		salt, err := util.HexDecode(c.Keystore.Salt)
		if err != nil || len(salt) < 16 {
			return fmt.Errorf("keystore.salt must be at least 16 hex-encoded bytes")
		}
		if _, err := util.Argon2idProfile(c.Keystore.KDFProfile); err != nil {
			return fmt.Errorf("keystore.kdf_profile: %w", err)
		}
	default:
		return fmt.Errorf("a master key is required: set keystore.master_key, keystore.passphrase, %s or %s",
			EnvMasterKey, EnvMasterPassphrase)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	return nil
}

// Policy converts the issuance section to a pki.Policy.
func (c *Config) Policy() pki.Policy {
	return pki.Policy{
		MinValidityDays: c.Issuance.MinValidityDays,
		MaxValidityDays: c.Issuance.MaxValidityDays,
		RSAKeyBits:      c.Issuance.RSAKeyBits,
		SerialBits:      c.Issuance.SerialBits,
		SerialAttempts:  c.Issuance.SerialAttempts,
		CRLValidity:     c.Issuance.CRLValidity,
	}
}

// Logger builds the process logger from the logging section.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Logging.Level))
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Wrapper builds the custody secret wrapper from the configured master key
// or passphrase.
func (c *Config) Wrapper() (*keystore.Wrapper, error) {
	if c.Keystore.MasterKey != "" {
		key, err := util.HexDecode(c.Keystore.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("decoding master key: %w", err)
		}
		return keystore.NewWrapper(key)
	}
	salt, err := util.HexDecode(c.Keystore.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding master salt: %w", err)
	}
	params, err := util.Argon2idProfile(c.Keystore.KDFProfile)
	if err != nil {
		return nil, err
	}
	return keystore.NewWrapperFromPassphrase(c.Keystore.Passphrase, salt, params)
}
