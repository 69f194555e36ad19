package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultSource reads runtime credentials out of HashiCorp Vault. Secrets
// live under cashapp/<service>/{database,redis,erp}.
type VaultSource struct {
	client  *api.Client
	service string
	logger  *zap.Logger
}

// NewVaultSource connects to Vault with the configured token.
func NewVaultSource(cfg VaultConfig, logger *zap.Logger) (*VaultSource, error) {
	client, err := api.NewClient(&api.Config{
		Address:    cfg.Address,
		HttpClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultSource{client: client, service: cfg.ServiceName, logger: logger}, nil
}

func (v *VaultSource) read(component string) (map[string]string, error) {
	path := fmt.Sprintf("cashapp/%s/%s", v.service, component)
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data at %s", path)
	}

	out := make(map[string]string, len(secret.Data))
	for key, value := range secret.Data {
		if s, ok := value.(string); ok {
			out[key] = s
		}
	}
	return out, nil
}

// Hydrate overlays Vault-held credentials onto the loaded config. Each
// component is best-effort; a missing secret leaves the file/env value in
// place and logs a warning.
func (v *VaultSource) Hydrate(cfg *Config) {
	if db, err := v.read("database"); err == nil {
		if s, ok := db["user"]; ok {
			cfg.Database.User = s
		}
		if s, ok := db["password"]; ok {
			cfg.Database.Password = s
		}
	} else {
		v.logger.Warn("database credentials not loaded from vault", zap.Error(err))
	}

	if rd, err := v.read("redis"); err == nil {
		if s, ok := rd["password"]; ok {
			cfg.Redis.Password = s
		}
	} else {
		v.logger.Warn("redis credentials not loaded from vault", zap.Error(err))
	}

	if erp, err := v.read("erp"); err == nil {
		if s, ok := erp["client_id"]; ok {
			cfg.ERP.ClientID = s
		}
		if s, ok := erp["client_secret"]; ok {
			cfg.ERP.ClientSecret = s
		}
	} else {
		v.logger.Warn("erp credentials not loaded from vault", zap.Error(err))
	}
}

// HealthCheck verifies Vault is reachable.
func (v *VaultSource) HealthCheck() error {
	if _, err := v.client.Sys().Health(); err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	return nil
}
