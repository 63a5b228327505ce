package registry

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// EnvConfig is the registryd process configuration. Secrets are required at
// boot: a missing vault or HMAC secret is a fatal configuration error, not
// something to discover on the first request.
type EnvConfig struct {
	Addr    string `env:"EAGLED_ADDR,default=:8080"`
	DBDSN   string `env:"EAGLED_DB_DSN,required"`
	NATSURL string `env:"EAGLED_NATS_URL"`

	VaultSecret      string `env:"EAGLED_VAULT_SECRET,required"`
	DeployHMACSecret string `env:"EAGLED_DEPLOY_HMAC_SECRET,required"`

	ChainsFile string `env:"EAGLED_CHAINS_FILE,default=chains.yaml"`
	Chain      string `env:"EAGLED_CHAIN,default=base"`
	BundlerURL string `env:"EAGLED_BUNDLER_URL,required"`

	RPCTimeout     time.Duration `env:"EAGLED_RPC_TIMEOUT,default=12s"`
	ReceiptTimeout time.Duration `env:"EAGLED_RECEIPT_TIMEOUT,default=180s"`
	OwnerScanLimit uint64        `env:"EAGLED_OWNER_SCAN_LIMIT,default=20"`
	NonceTTL       time.Duration `env:"EAGLED_NONCE_TTL,default=10m"`
	SessionTTL     time.Duration `env:"EAGLED_SESSION_TTL,default=24h"`

	CORSOrigins []string `env:"EAGLED_CORS_ORIGINS"`
}

// LoadEnv reads the process configuration from the environment.
func LoadEnv(ctx context.Context) (EnvConfig, error) {
	var cfg EnvConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return EnvConfig{}, err
	}
	return cfg, nil
}
