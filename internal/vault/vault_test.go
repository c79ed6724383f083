package vault

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := New(t.TempDir(), nil)
	v.useAge = false
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	v := newTestVault(t)

	require.NoError(t, v.Set("GITHUB_TOKEN", "ghp_abc123"))
	require.NoError(t, v.Set("DB_PASSWORD", "hunter22hunter22"))

	value, ok := v.Get("GITHUB_TOKEN")
	assert.True(t, ok)
	assert.Equal(t, "ghp_abc123", value)

	assert.Equal(t, []string{"DB_PASSWORD", "GITHUB_TOKEN"}, v.List())

	existed, err := v.Delete("GITHUB_TOKEN")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, v.Has("GITHUB_TOKEN"))

	existed, err = v.Delete("GITHUB_TOKEN")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestVaultPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	v := New(dir, nil)
	v.useAge = false
	require.NoError(t, v.Set("API_KEY", "value-one"))

	v2 := New(dir, nil)
	v2.useAge = false
	value, ok := v2.Get("API_KEY")
	assert.True(t, ok)
	assert.Equal(t, "value-one", value)
}

func TestVaultFileIsObfuscatedAndPrivate(t *testing.T) {
	dir := t.TempDir()
	v := New(dir, nil)
	v.useAge = false
	require.NoError(t, v.Set("SECRET", "plaintext-value"))

	path := filepath.Join(dir, "secrets.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext-value")

	// Obfuscated storage is base64 of the JSON document.
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "plaintext-value")
}

func TestVaultReadsPlainJSONFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"LEGACY": "old-style-secret"}`), 0o600))

	v := New(dir, nil)
	v.useAge = false
	value, ok := v.Get("LEGACY")
	assert.True(t, ok)
	assert.Equal(t, "old-style-secret", value)
}

func TestResolveRef(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Set("TELEGRAM_BOT_TOKEN", "from-vault"))

	assert.Equal(t, "from-vault", v.ResolveRef("${TELEGRAM_BOT_TOKEN}"))
	assert.Equal(t, "literal", v.ResolveRef("literal"))

	t.Setenv("ONLY_IN_ENV", "from-env")
	assert.Equal(t, "from-env", v.ResolveRef("${ONLY_IN_ENV}"))

	assert.Equal(t, "", v.ResolveRef("${MISSING_EVERYWHERE}"))
}
