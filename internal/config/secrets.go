package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig contains HashiCorp Vault connection settings
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Namespace  string `mapstructure:"namespace"`
	MountPath  string `mapstructure:"mount_path"`  // KV v2 mount, e.g. "secret"
	SecretPath string `mapstructure:"secret_path"` // base path, e.g. "cadre"
}

// VaultClient wraps the Vault API client for secret retrieval
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates an authenticated Vault client
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
	}
	client.SetToken(token)

	log.Info().
		Str("address", cfg.Address).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret reads a secret from the configured KV v2 mount
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	log.Debug().Str("path", fullPath).Msg("Reading secret from Vault")

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// For KV v2, secrets are nested under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// LoadSecretsFromVault overlays sensitive config fields with values from Vault.
// Missing paths are logged and skipped so partially-populated vaults still work.
func LoadSecretsFromVault(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		log.Debug().Msg("Vault integration disabled, using config file secrets")
		return nil
	}

	vc, err := NewVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to initialize Vault: %w", err)
	}

	if data, err := vc.GetSecret(ctx, "database"); err == nil {
		if pw, ok := data["password"].(string); ok && pw != "" {
			cfg.Database.Password = pw
		}
	} else {
		log.Warn().Err(err).Msg("Database secrets not loaded from Vault")
	}

	if data, err := vc.GetSecret(ctx, "redis"); err == nil {
		if pw, ok := data["password"].(string); ok && pw != "" {
			cfg.Redis.Password = pw
		}
	} else {
		log.Debug().Err(err).Msg("Redis secrets not loaded from Vault")
	}

	if data, err := vc.GetSecret(ctx, "telegram"); err == nil {
		if token, ok := data["token"].(string); ok && token != "" {
			cfg.Alerts.Telegram.Token = token
		}
	} else {
		log.Debug().Err(err).Msg("Telegram secrets not loaded from Vault")
	}

	return nil
}
