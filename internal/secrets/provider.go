// Package secrets implements the injected secret provider. The core never
// owns the credential store; it resolves named secrets through this contract
// and keeps the values out of logs and bus messages.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tidebot/internal/crypto"
	"tidebot/internal/domain"
)

// Provider resolves a named secret to its bytes. Get has no other side
// effects.
type Provider interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// EnvProvider reads secrets from TIDEBOT_SECRET_<NAME> environment variables.
type EnvProvider struct{}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

// Get resolves name through TIDEBOT_SECRET_<NAME> (upper-cased, dots and
// dashes mapped to underscores).
func (p *EnvProvider) Get(_ context.Context, name string) ([]byte, error) {
	key := "TIDEBOT_SECRET_" + envKey(name)
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, domain.Faultf(domain.KindSecretMissing, "secret %q not set (%s)", name, key)
	}
	return []byte(v), nil
}

func envKey(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_")
	return strings.ToUpper(r.Replace(name))
}

// FileProvider reads secrets from <dir>/<name>. Files may be plaintext or
// AES-256-GCM envelopes produced by crypto.EncryptSecret; envelopes are
// decrypted with the passphrase from the configured environment variable.
type FileProvider struct {
	dir           string
	passphraseEnv string
}

// NewFileProvider creates a file-backed provider rooted at dir.
func NewFileProvider(dir, passphraseEnv string) *FileProvider {
	return &FileProvider{dir: dir, passphraseEnv: passphraseEnv}
}

// Get reads the secret file for name, decrypting it when it is an encrypted
// envelope. Trailing whitespace is stripped from plaintext files so editors
// that append a newline do not corrupt credentials.
func (p *FileProvider) Get(_ context.Context, name string) ([]byte, error) {
	if strings.Contains(name, "..") || strings.ContainsRune(name, os.PathSeparator) {
		return nil, domain.Faultf(domain.KindSecretMissing, "invalid secret name %q", name)
	}
	path := filepath.Join(p.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Faultf(domain.KindSecretMissing, "secret %q not found at %s", name, path)
		}
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}

	if crypto.IsEncryptedSecret(data) {
		passphrase := os.Getenv(p.passphraseEnv)
		if passphrase == "" {
			return nil, domain.Faultf(domain.KindSecretMissing,
				"secret %q is encrypted but %s is not set", name, p.passphraseEnv)
		}
		plain, err := crypto.DecryptSecret(data, passphrase)
		if err != nil {
			return nil, domain.WrapFault(domain.KindSecretMissing,
				fmt.Sprintf("decrypt secret %q", name), err)
		}
		return plain, nil
	}

	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}

// Compile-time interface checks.
var (
	_ Provider = (*EnvProvider)(nil)
	_ Provider = (*FileProvider)(nil)
)
