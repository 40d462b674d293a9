package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvRPCURL         = "RPC_URL"
	EnvWSURL          = "WS_URL"
	EnvFlashbotsRelay = "FLASHBOTS_RELAY"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvRedisPassword  = "REDIS_PASSWORD"
	EnvPrivateKey     = "PRIVATE_KEY"
	EnvFlashbotsKey   = "FLASHBOTS_KEY"
)

// SecureConfig holds key material that never lives in the config file.
type SecureConfig struct {
	PrivateKey   *ecdsa.PrivateKey
	FlashbotsKey *ecdsa.PrivateKey
}

// LoadEnv loads environment variables from a .env file when one exists.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetRequiredEnv returns an error when key is unset.
func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("environment variable %s is not set", key)
	}
	return value, nil
}

// ApplyEnv overrides endpoints and credentials from the environment.
func ApplyEnv(c *Config) {
	c.RPCEndpoint = GetEnvWithDefault(EnvRPCURL, c.RPCEndpoint)
	c.WSEndpoint = GetEnvWithDefault(EnvWSURL, c.WSEndpoint)
	c.FlashbotsRelay = GetEnvWithDefault(EnvFlashbotsRelay, c.FlashbotsRelay)
	c.Redis.Addr = GetEnvWithDefault(EnvRedisAddr, c.Redis.Addr)
	c.Redis.Password = GetEnvWithDefault(EnvRedisPassword, c.Redis.Password)
}

// LoadSecureConfig reads the signing key and, when the private relay is
// used, the relay authentication key.
func LoadSecureConfig(withRelay bool) (*SecureConfig, error) {
	raw, err := GetRequiredEnv(EnvPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key not found: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	sc := &SecureConfig{PrivateKey: key}
	if !withRelay {
		return sc, nil
	}

	raw, err = GetRequiredEnv(EnvFlashbotsKey)
	if err != nil {
		return nil, fmt.Errorf("flashbots key not found: %w", err)
	}
	if sc.FlashbotsKey, err = crypto.HexToECDSA(strings.TrimPrefix(raw, "0x")); err != nil {
		return nil, fmt.Errorf("failed to parse flashbots key: %w", err)
	}
	return sc, nil
}
