package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. SWAP2P_RPC_URL.
const EnvPrefix = "SWAP2P"

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		Swap2p string `json:"Swap2p"`
	} `json:"contracts"`
}

// AppConfig is resolved once at startup and never changes afterwards.
type AppConfig struct {
	Deployment *DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Escrow     EscrowConfig
	Backend    BackendConfig
	Storage    StorageConfig
	LogEnv     string
}

type ServiceConfig struct {
	HTTPPort      int
	HMACSecret    string
	HMACClockSkew time.Duration
}

type ChainConfig struct {
	RPCURL     string
	ChainID    int64
	PrivateKey string
	// Account is used with an external signer when no private key is set.
	Account common.Address
}

type EscrowConfig struct {
	Contract            common.Address
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
	AllowanceCheck      bool
}

type BackendConfig struct {
	BaseURL string
}

type StorageConfig struct {
	JournalPath string
	PostgresDSN string
}

const defaultDeploymentsPath = "deployments.json"

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 3000)
	v.SetDefault("rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain_id", 0)
	v.SetDefault("private_key", "")
	v.SetDefault("account", "")
	v.SetDefault("escrow_contract", "")
	v.SetDefault("deployments_path", defaultDeploymentsPath)
	v.SetDefault("backend_base_url", "http://localhost:8000")
	v.SetDefault("confirm_timeout", 3*time.Minute)
	v.SetDefault("confirm_poll_interval", 2*time.Second)
	v.SetDefault("journal_path", filepath.Join(os.TempDir(), "swap2p-journal.json"))
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("hmac_secret", "")
	v.SetDefault("hmac_clock_skew", 60*time.Second)
	v.SetDefault("log_env", "development")
	v.SetDefault("allowance_check", false)
}

// New returns a viper instance reading SWAP2P_* environment variables on top
// of the defaults.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load aggregates configuration from an optional file, the environment and
// the deployments file.
func Load(configFile string) (*AppConfig, error) {
	v := New()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return FromViper(v)
}

// FromViper resolves an AppConfig from v. Flags bound to v take precedence
// over the environment.
func FromViper(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:      v.GetInt("http_port"),
			HMACSecret:    v.GetString("hmac_secret"),
			HMACClockSkew: v.GetDuration("hmac_clock_skew"),
		},
		Chain: ChainConfig{
			RPCURL:     v.GetString("rpc_url"),
			ChainID:    v.GetInt64("chain_id"),
			PrivateKey: v.GetString("private_key"),
		},
		Escrow: EscrowConfig{
			ConfirmTimeout:      v.GetDuration("confirm_timeout"),
			ConfirmPollInterval: v.GetDuration("confirm_poll_interval"),
			AllowanceCheck:      v.GetBool("allowance_check"),
		},
		Backend: BackendConfig{BaseURL: v.GetString("backend_base_url")},
		Storage: StorageConfig{
			JournalPath: v.GetString("journal_path"),
			PostgresDSN: v.GetString("postgres_dsn"),
		},
		LogEnv: v.GetString("log_env"),
	}

	if acct := v.GetString("account"); acct != "" {
		if !common.IsHexAddress(acct) {
			return nil, fmt.Errorf("account %q is not an address", acct)
		}
		cfg.Chain.Account = common.HexToAddress(acct)
	}

	contract := v.GetString("escrow_contract")
	if contract == "" {
		deployCfg, err := loadDeployments(v.GetString("deployments_path"))
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		cfg.Deployment = deployCfg
		contract = deployCfg.Contracts.Swap2p
		if cfg.Chain.ChainID == 0 {
			cfg.Chain.ChainID = deployCfg.ChainID
		}
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("escrow contract %q is not an address", contract)
	}
	cfg.Escrow.Contract = common.HexToAddress(contract)

	if cfg.Backend.BaseURL == "" {
		return nil, errors.New("backend base url is required")
	}
	if cfg.Escrow.ConfirmTimeout <= 0 || cfg.Escrow.ConfirmPollInterval <= 0 {
		return nil, errors.New("confirmation timeout and poll interval must be positive")
	}
	return cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
