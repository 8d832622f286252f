package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/epubfeed/internal/fileutil"
)

const (
	secretService  = "epubfeed"
	tokenAccount   = "api_token"
	tokenByteCount = 32
)

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "epubfeed", "secrets.json")
}

// fileSecrets keeps secrets in a 0600 JSON file keyed by service and account.
type fileSecrets struct {
	path string
}

func (f fileSecrets) file() string {
	if f.path != "" {
		return f.path
	}
	return secretsFilePath()
}

func (f fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.file())
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f fileSecrets) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (f fileSecrets) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.file()), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(f.file(), out, 0o600)
}

// ensureAPIToken returns the stored API token, generating and persisting a
// new one when none exists.
func ensureAPIToken(s secretStore) (string, error) {
	if token, err := s.Get(secretService, tokenAccount); err == nil && token != "" {
		return token, nil
	}
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.Set(secretService, tokenAccount, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[INFO] generated a new API token in %s\n", secretsFilePath())
	return token, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenByteCount)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
