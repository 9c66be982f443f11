package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// VaultStore implements a storage backend using HashiCorp Vault's KV v2
// secrets engine. Values are stored base64-encoded under a single field so
// arbitrary JSON documents round-trip unchanged.
type VaultStore struct {
	client      *vault.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a new Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "provd")
//   - token: Vault token used for authentication
//   - log: structured logger for operational insights
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Get retrieves the value stored under key.
func (s *VaultStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath("data", key))
	if err != nil {
		return nil, fmt.Errorf("%w: vault read %s: %v", interfaces.ErrStoreUnavailable, key, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, key)
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, key)
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected vault payload shape for %s", key)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding vault payload for %s: %w", key, err)
	}

	s.log.Debug("Fetched record from Vault",
		slog.String("key", key),
		slog.Int("size", len(value)),
		slog.Duration("duration", time.Since(start)))

	return value, nil
}

// Put stores the value under key.
func (s *VaultStore) Put(ctx context.Context, key string, value []byte) error {
	payload := map[string]any{
		"data": map[string]any{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	}

	_, err := s.client.Logical().WriteWithContext(ctx, s.secretPath("data", key), payload)
	if err != nil {
		return fmt.Errorf("%w: vault write %s: %v", interfaces.ErrStoreUnavailable, key, err)
	}

	s.log.Debug("Stored record in Vault",
		slog.String("key", key),
		slog.Int("size", len(value)))

	return nil
}

// Delete removes the key and its version history.
func (s *VaultStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Logical().DeleteWithContext(ctx, s.secretPath("metadata", key))
	if err != nil {
		var respErr *vault.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("%w: vault delete %s: %v", interfaces.ErrStoreUnavailable, key, err)
	}
	return nil
}

// List returns all keys under the given namespace prefix.
func (s *VaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	trimmed := strings.TrimSuffix(prefix, "/")

	secret, err := s.client.Logical().ListWithContext(ctx, s.secretPath("metadata", trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: vault list %s: %v", interfaces.ErrStoreUnavailable, trimmed, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	rawKeys, ok := secret.Data["keys"].([]any)
	if !ok {
		return nil, nil
	}

	var keys []string
	for _, rawKey := range rawKeys {
		name, ok := rawKey.(string)
		if !ok || strings.HasSuffix(name, "/") {
			continue
		}
		keys = append(keys, trimmed+"/"+name)
	}
	return keys, nil
}

// Name returns a unique identifier for this storage backend.
func (s *VaultStore) Name() string {
	return "vault"
}

// LocationURI returns the URI that identifies this storage backend.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

func (s *VaultStore) secretPath(op, key string) string {
	if s.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", s.mountPath, op, key)
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.mountPath, op, s.dataPath, key)
}
