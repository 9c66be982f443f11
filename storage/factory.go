package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// StoreFactory creates key-value storage backends from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(log *slog.Logger) *StoreFactory {
	return &StoreFactory{log: log}
}

// StoreFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - memory:// - process-local storage, lost on restart
//   - file:///var/lib/provd - local filesystem storage
//   - s3://bucket/prefix?region=us-east-1&endpoint=...&access_key=...&secret_key=... - Amazon S3 or compatible
//   - vault://host:8200/mount/path?token=...&scheme=https - HashiCorp Vault KV v2
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *StoreFactory) StoreFor(locationURI string) (interfaces.Store, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store location URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(u.Path, f.log)
	case "s3":
		return f.createS3Store(u)
	case "vault":
		return f.createVaultStore(u)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}

func (f *StoreFactory) createS3Store(u *url.URL) (interfaces.Store, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("s3 URI missing bucket name")
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(
		bucket,
		strings.Trim(u.Path, "/"),
		region,
		query.Get("endpoint"),
		query.Get("access_key"),
		query.Get("secret_key"),
		f.log,
	)
}

func (f *StoreFactory) createVaultStore(u *url.URL) (interfaces.Store, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("vault URI missing host")
	}

	query := u.Query()
	scheme := query.Get("scheme")
	if scheme == "" {
		scheme = "https"
	}

	mountPath := strings.Trim(u.Path, "/")
	dataPath := ""
	if idx := strings.Index(mountPath, "/"); idx >= 0 {
		mountPath, dataPath = mountPath[:idx], mountPath[idx+1:]
	}
	if mountPath == "" {
		return nil, fmt.Errorf("vault URI missing mount path")
	}

	address := fmt.Sprintf("%s://%s", scheme, u.Host)
	return NewVaultStore(address, mountPath, dataPath, query.Get("token"), f.log)
}
