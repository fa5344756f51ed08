// Package config loads the key-agreement core's runtime configuration from
// layered .env files, environment variables, and (optionally) HashiCorp
// Vault, mirroring the donor chat server's own configuration layering.
package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// Config holds everything the core needs to reach the directory service and
// govern its own key lifecycle policy.
type Config struct {
	DirectoryBaseURL string
	AuthToken        string
	LocalPeerID      string
	StorePath        string
	StoreMasterKey   []byte

	DirectoryTimeout time.Duration

	// OTPKReplenishThreshold is the minimum number of prekeys the directory
	// may report before check_and_replenish tops the pool back up.
	OTPKReplenishThreshold int
	// OTPKBatchSize is how many one-time prekeys a single generation or
	// replenishment round produces.
	OTPKBatchSize int

	// SignedPrekeyRotationPeriod is how often the signed prekey is rotated.
	SignedPrekeyRotationPeriod time.Duration
	// SignedPrekeyGraceWindow is how long an old signed prekey's private
	// half is retained after rotation, to complete in-flight handshakes.
	SignedPrekeyGraceWindow time.Duration
	// SignedPrekeyGraceGenerations caps how many past generations are kept
	// regardless of how recently they rotated.
	SignedPrekeyGraceGenerations int

	// FailClosedOnBadSignature controls whether a signed-prekey signature
	// failure aborts the handshake (true, the recommended default) or is
	// logged and allowed to proceed (false; diagnostic/test use only).
	FailClosedOnBadSignature bool
}

// vaultClient is the optional Vault connection used to source the directory
// bearer token and the store's master encryption key out of band.
type vaultClient struct {
	client     *api.Client
	mountPath  string
	secretPath string
	logger     *log.Logger
}

func newVaultClient(addr, token, mountPath, secretPath string) (*vaultClient, error) {
	cfg := &api.Config{Address: addr}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	return &vaultClient{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
		logger:     log.New(os.Stdout, "[CONFIG-VAULT] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

func (v *vaultClient) getSecret(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.secretPath)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found in vault path: %s/%s", v.mountPath, v.secretPath)
	}

	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key %q not found or not a string", key)
	}
	return value, nil
}

func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Load reads the core's configuration from .env files, the environment, and
// optionally Vault. Vault is attempted only if VAULT_ADDR and VAULT_TOKEN are
// both set; otherwise the relevant values fall back to plain env vars.
func Load() (*Config, error) {
	loadEnvFiles()

	var vc *vaultClient
	if addr, token := os.Getenv("VAULT_ADDR"), os.Getenv("VAULT_TOKEN"); addr != "" && token != "" {
		mountPath := getEnv("VAULT_MOUNT_PATH", "secret")
		secretPath := getEnv("VAULT_SECRET_PATH", "e2ee-core")
		var err error
		vc, err = newVaultClient(addr, token, mountPath, secretPath)
		if err != nil {
			log.Printf("Warning: failed to initialize vault client, falling back to environment: %v", err)
			vc = nil
		}
	}

	authToken, err := resolveSecret(vc, "directory_auth_token", "DIRECTORY_AUTH_TOKEN")
	if err != nil {
		return nil, fmt.Errorf("directory auth token not available: %w", err)
	}

	masterKeyHex, err := resolveSecret(vc, "store_master_key", "STORE_MASTER_KEY")
	if err != nil {
		return nil, fmt.Errorf("store master key not available: %w", err)
	}

	localPeerID, err := resolveSecret(vc, "local_peer_id", "LOCAL_PEER_ID")
	if err != nil {
		return nil, fmt.Errorf("local peer id not available: %w", err)
	}

	cfg := &Config{
		DirectoryBaseURL:             getEnv("DIRECTORY_BASE_URL", "https://directory.example.local"),
		AuthToken:                    authToken,
		LocalPeerID:                  localPeerID,
		StorePath:                    getEnv("STORE_PATH", "./e2ee-core.db"),
		StoreMasterKey:               []byte(masterKeyHex),
		DirectoryTimeout:             getEnvDuration("DIRECTORY_TIMEOUT", 10*time.Second),
		OTPKReplenishThreshold:       getEnvInt("OTPK_REPLENISH_THRESHOLD", 20),
		OTPKBatchSize:                getEnvInt("OTPK_BATCH_SIZE", 100),
		SignedPrekeyRotationPeriod:   getEnvDuration("SPK_ROTATION_PERIOD", 7*24*time.Hour),
		SignedPrekeyGraceWindow:      getEnvDuration("SPK_GRACE_WINDOW", 14*24*time.Hour),
		SignedPrekeyGraceGenerations: getEnvInt("SPK_GRACE_GENERATIONS", 2),
		FailClosedOnBadSignature:     getEnvBool("FAIL_CLOSED_ON_BAD_SIGNATURE", true),
	}

	return cfg, nil
}

func resolveSecret(vc *vaultClient, vaultKey, envVar string) (string, error) {
	if vc != nil {
		if v, err := vc.getSecret(vaultKey); err == nil && v != "" {
			vc.logger.Printf("%s retrieved from vault", vaultKey)
			return v, nil
		} else if err != nil {
			vc.logger.Printf("failed to get %s from vault, falling back to environment: %v", vaultKey, err)
		}
	}

	v := os.Getenv(envVar)
	if v == "" {
		return "", fmt.Errorf("%s not found in vault or environment", envVar)
	}
	return v, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
