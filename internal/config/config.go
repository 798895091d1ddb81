package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"solidarity/internal/contracts"
)

// AppConfig is everything the binaries read from the environment and the
// contract artifact.
type AppConfig struct {
	Chain    ChainConfig
	Wallet   WalletConfig
	Service  ServiceConfig
	Log      LogConfig
	Artifact *contracts.Artifact
}

type ChainConfig struct {
	RPCURL string
	// ExpectedChainID is nil when any network is accepted.
	ExpectedChainID   *big.Int
	ContractAddress   common.Address
	PollInterval      time.Duration
	RPCTimeout        time.Duration
	ReconnectInterval time.Duration
}

// WalletConfig selects the signer. A private key wins over a keystore.
type WalletConfig struct {
	PrivateKey         string
	KeystoreDir        string
	KeystorePassphrase string
	Account            common.Address
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DatabaseURL          string
	CORSAllowedOrigins   []string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

const (
	defaultArtifactPath = "./client/src/contracts/SolidarityEconomy.json"
	defaultRPCURL       = "http://127.0.0.1:8545"
)

// Load reads .env when present, then the environment, then the artifact.
// A missing artifact at the default path falls back to the embedded ABI.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	artifact, err := loadArtifact(envOr("ARTIFACT_PATH", ""))
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	chainCfg := ChainConfig{
		RPCURL:            envOr("CHAIN_RPC_URL", defaultRPCURL),
		PollInterval:      envOrMillis("CHAIN_POLL_INTERVAL_MS", 4000),
		RPCTimeout:        envOrMillis("RPC_TIMEOUT_MS", 10000),
		ReconnectInterval: envOrMillis("RECONNECT_INTERVAL_MS", 5000),
	}
	if raw := envOr("EXPECTED_CHAIN_ID", ""); raw != "" {
		id, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("EXPECTED_CHAIN_ID %q is not a number", raw)
		}
		chainCfg.ExpectedChainID = id
	}
	if raw := envOr("CONTRACT_ADDRESS", ""); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("CONTRACT_ADDRESS %q is not an address", raw)
		}
		chainCfg.ContractAddress = common.HexToAddress(raw)
	}

	walletCfg := WalletConfig{
		PrivateKey:         envOr("CHAIN_PRIVATE_KEY", ""),
		KeystoreDir:        envOr("KEYSTORE_DIR", ""),
		KeystorePassphrase: envOr("KEYSTORE_PASSPHRASE", ""),
	}
	if raw := envOr("ACCOUNT_ADDRESS", ""); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("ACCOUNT_ADDRESS %q is not an address", raw)
		}
		walletCfg.Account = common.HexToAddress(raw)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", ""),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		CORSAllowedOrigins:   splitList(envOr("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	logCfg := LogConfig{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "json"),
		File:   envOr("LOG_FILE", ""),
	}

	return &AppConfig{
		Chain:    chainCfg,
		Wallet:   walletCfg,
		Service:  serviceCfg,
		Log:      logCfg,
		Artifact: artifact,
	}, nil
}

func loadArtifact(path string) (*contracts.Artifact, error) {
	if path == "" {
		art, err := contracts.LoadArtifact(defaultArtifactPath)
		if errors.Is(err, os.ErrNotExist) {
			return contracts.DefaultArtifact(), nil
		}
		return art, err
	}
	return contracts.LoadArtifact(path)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrMillis(key string, fallback int) time.Duration {
	return time.Duration(envOrInt(key, fallback)) * time.Millisecond
}
