// Package vault provides file-based secret storage for ADT.
//
// Secrets live in a single JSON document under the ADT home directory.
// When the age tool is installed the document is encrypted with a locally
// generated age identity; otherwise it is base64-obfuscated. Either way the
// file is written with 0600 permissions.
package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/adt-sh/adt/internal/common/logger"
)

// Vault stores named secrets on disk.
type Vault struct {
	mu      sync.RWMutex
	path    string
	keyPath string
	useAge  bool
	secrets map[string]string
	loaded  bool
	log     *logger.Logger
}

// New creates a vault rooted at homeDir (secrets.json and .age-key live there).
func New(homeDir string, log *logger.Logger) *Vault {
	return &Vault{
		path:    filepath.Join(homeDir, "secrets.json"),
		keyPath: filepath.Join(homeDir, ".age-key"),
		useAge:  hasAge(),
		secrets: make(map[string]string),
		log:     log,
	}
}

// Path returns the secrets file location.
func (v *Vault) Path() string {
	return v.path
}

func hasAge() bool {
	return exec.Command("age", "--version").Run() == nil
}

func (v *Vault) load() error {
	if v.loaded {
		return nil
	}
	v.loaded = true

	raw, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secrets file: %w", err)
	}

	if v.useAge {
		if plain, err := v.ageDecrypt(raw); err == nil {
			return json.Unmarshal(plain, &v.secrets)
		}
	}

	// Fallback: base64-obfuscated JSON, then plain JSON.
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw))); err == nil {
		if json.Unmarshal(decoded, &v.secrets) == nil {
			return nil
		}
	}
	return json.Unmarshal(raw, &v.secrets)
}

func (v *Vault) save() error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}

	data, err := json.MarshalIndent(v.secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	if v.useAge {
		if enc, err := v.ageEncrypt(data); err == nil {
			return os.WriteFile(v.path, enc, 0o600)
		} else if v.log != nil {
			v.log.WithError(err).Warn("age encryption failed, falling back to obfuscation")
		}
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	return os.WriteFile(v.path, []byte(encoded), 0o600)
}

func (v *Vault) ageDecrypt(ciphertext []byte) ([]byte, error) {
	if _, err := os.Stat(v.keyPath); err != nil {
		return nil, fmt.Errorf("age key missing: %w", err)
	}
	cmd := exec.Command("age", "-d", "-i", v.keyPath)
	cmd.Stdin = bytes.NewReader(ciphertext)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return out, nil
}

func (v *Vault) ageEncrypt(plaintext []byte) ([]byte, error) {
	recipient, err := v.ensureAgeKey()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("age", "-a", "-r", recipient)
	cmd.Stdin = bytes.NewReader(plaintext)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return out, nil
}

// ensureAgeKey generates an age identity on first use and returns the
// recipient (public key) parsed from the key file comment.
func (v *Vault) ensureAgeKey() (string, error) {
	if _, err := os.Stat(v.keyPath); os.IsNotExist(err) {
		cmd := exec.Command("age-keygen", "-o", v.keyPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("age-keygen: %w: %s", err, out)
		}
		if err := os.Chmod(v.keyPath, 0o600); err != nil {
			return "", fmt.Errorf("chmod age key: %w", err)
		}
	}

	content, err := os.ReadFile(v.keyPath)
	if err != nil {
		return "", fmt.Errorf("read age key: %w", err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		if rest, ok := strings.CutPrefix(line, "# public key:"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("no public key in %s", v.keyPath)
}

// Get returns a secret value.
func (v *Vault) Get(name string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(); err != nil {
		return "", false
	}
	value, ok := v.secrets[name]
	return value, ok
}

// Set stores a secret value.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(); err != nil {
		return err
	}
	v.secrets[name] = value
	return v.save()
}

// Delete removes a secret. Returns true if it existed.
func (v *Vault) Delete(name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(); err != nil {
		return false, err
	}
	if _, ok := v.secrets[name]; !ok {
		return false, nil
	}
	delete(v.secrets, name)
	return true, v.save()
}

// List returns all secret names, sorted. Values are never listed.
func (v *Vault) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(); err != nil {
		return nil
	}
	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a secret exists.
func (v *Vault) Has(name string) bool {
	_, ok := v.Get(name)
	return ok
}

// Values returns a copy of all secrets, for loading into the scrubber.
func (v *Vault) Values() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(); err != nil {
		return nil
	}
	out := make(map[string]string, len(v.secrets))
	for k, val := range v.secrets {
		out[k] = val
	}
	return out
}

// Resolve implements config.SecretResolver.
func (v *Vault) Resolve(name string) (string, bool) {
	return v.Get(name)
}

// ResolveRef resolves a ${NAME} reference, checking the vault first and the
// environment second. Non-reference values pass through unchanged.
func (v *Vault) ResolveRef(value string) string {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value
	}
	name := value[2 : len(value)-1]
	if secret, ok := v.Get(name); ok && secret != "" {
		return secret
	}
	return os.Getenv(name)
}
