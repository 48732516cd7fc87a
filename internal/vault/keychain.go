package vault

import (
	"fmt"
	"os/exec"
	"strings"
)

// KeychainVault shells out to the macOS `security` tool. One generic-password
// item per provider, account "<service>:<provider>" under the service name.
type KeychainVault struct {
	Service string
}

func (v *KeychainVault) account(provider string) string {
	return v.Service + ":" + provider
}

func (v *KeychainVault) Set(provider, secret string) error {
	cmd := exec.Command("security", "add-generic-password",
		"-a", v.account(provider),
		"-s", v.Service,
		"-w", secret,
		"-U",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("vault: keychain add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (v *KeychainVault) Get(provider string) (string, error) {
	cmd := exec.Command("security", "find-generic-password",
		"-a", v.account(provider),
		"-s", v.Service,
		"-w",
	)
	out, err := cmd.Output()
	if err != nil {
		// find-generic-password exits non-zero when the item is absent.
		return "", ErrNotFound
	}
	secret := strings.TrimSpace(string(out))
	if secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

func (v *KeychainVault) Delete(provider string) error {
	cmd := exec.Command("security", "delete-generic-password",
		"-a", v.account(provider),
		"-s", v.Service,
	)
	// Deleting an absent item is not an error.
	_ = cmd.Run()
	return nil
}
