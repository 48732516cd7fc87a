package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileVault keeps secrets in a JSON map on disk, chmod 0600.
type FileVault struct {
	Path string

	mu sync.Mutex
}

func (v *FileVault) Get(provider string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	payload, err := v.load()
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(payload[provider])
	if secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

func (v *FileVault) Set(provider, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	payload, err := v.load()
	if err != nil {
		return err
	}
	payload[provider] = secret
	return v.save(payload)
}

func (v *FileVault) Delete(provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	payload, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := payload[provider]; !ok {
		return nil
	}
	delete(payload, provider)
	return v.save(payload)
}

func (v *FileVault) load() (map[string]string, error) {
	data, err := os.ReadFile(v.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", v.Path, err)
	}

	payload := map[string]string{}
	if err := json.Unmarshal(data, &payload); err != nil {
		// Corrupted store: start over rather than lock the operator out.
		return map[string]string{}, nil
	}
	return payload, nil
}

func (v *FileVault) save(payload map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(v.Path), 0o755); err != nil {
		return fmt.Errorf("vault: create dir: %w", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode: %w", err)
	}
	if err := os.WriteFile(v.Path, data, 0o600); err != nil {
		return fmt.Errorf("vault: write %s: %w", v.Path, err)
	}
	// WriteFile only applies the mode on create.
	if err := os.Chmod(v.Path, 0o600); err != nil {
		return fmt.Errorf("vault: chmod %s: %w", v.Path, err)
	}
	return nil
}
