// Package vault stores signed-in session secrets outside the database.
//
// Secrets (weread cookies, wechat web session blobs) never land in SQLite;
// auth_sessions keeps only non-sensitive metadata. The backing store is the
// macOS keychain when available, otherwise a 0600 JSON file under the config
// directory.
package vault

import (
	"errors"
	"runtime"
)

// ErrNotFound is returned when no secret is stored for a provider name.
var ErrNotFound = errors.New("vault: session not found")

// Vault stores one secret string per provider name.
type Vault interface {
	Get(provider string) (string, error)
	Set(provider, secret string) error
	Delete(provider string) error
}

// New selects a backend. "keychain" and "file" force the choice; "auto"
// (or empty) uses the keychain on darwin and the file store elsewhere.
func New(backend, serviceName, filePath string) Vault {
	switch backend {
	case "keychain":
		return &KeychainVault{Service: serviceName}
	case "file":
		return &FileVault{Path: filePath}
	}
	if runtime.GOOS == "darwin" {
		return &KeychainVault{Service: serviceName}
	}
	return &FileVault{Path: filePath}
}
