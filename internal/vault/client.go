// Package vault loads runtime secrets (telegram bot token, webhook secret,
// JWT signing key) from HashiCorp Vault, with a local cache fallback when
// Vault is disabled.
package vault

import (
	"context"
	"fmt"
	"sync"

	"candle-signal-bot/config"

	"github.com/hashicorp/vault/api"
)

// Secrets are the application secrets resolved at startup
type Secrets struct {
	TelegramBotToken string `json:"telegram_bot_token"`
	WebhookSecret    string `json:"webhook_secret"`
	JWTSecret        string `json:"jwt_secret"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Secrets
}

// NewClient creates a new Vault client. When Vault is disabled the client
// resolves secrets from the config/env values passed to LoadSecrets.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// LoadSecrets resolves application secrets. Values already present in the
// fallback take precedence only when Vault is disabled or has no entry;
// Vault values win otherwise.
func (c *Client) LoadSecrets(ctx context.Context, fallback Secrets) (*Secrets, error) {
	if !c.config.Enabled {
		return &fallback, nil
	}

	c.mu.RLock()
	if c.cached != nil {
		cached := *c.cached
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return &fallback, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	resolved := fallback
	if v := getString(data, "telegram_bot_token"); v != "" {
		resolved.TelegramBotToken = v
	}
	if v := getString(data, "webhook_secret"); v != "" {
		resolved.WebhookSecret = v
	}
	if v := getString(data, "jwt_secret"); v != "" {
		resolved.JWTSecret = v
	}

	c.mu.Lock()
	c.cached = &resolved
	c.mu.Unlock()

	return &resolved, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
