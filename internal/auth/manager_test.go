package auth

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "auth.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAndValidateToken(t *testing.T) {
	m := openTestManager(t)

	plain, info, err := m.CreateToken("ci", RoleOperator, 0, "admin")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, TokenPrefix))
	assert.Equal(t, RoleOperator, info.Role)
	assert.Nil(t, info.ExpiresAt)

	got, err := m.ValidateToken(plain)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.NotNil(t, got.LastUsedAt)

	// Bearer prefix is accepted.
	got, err = m.ValidateToken("Bearer " + plain)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	m := openTestManager(t)

	_, err := m.ValidateToken("adt_not-a-real-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	m := openTestManager(t)

	plain, info, err := m.CreateToken("temp", RoleViewer, 0, "")
	require.NoError(t, err)

	ok, err := m.RevokeToken(info.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.ValidateToken(plain)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Revoking again still reports the row as updated; unknown ids do not.
	ok, err = m.RevokeToken("no-such-id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	m := openTestManager(t)

	plain, _, err := m.CreateToken("short-lived", RoleViewer, time.Nanosecond, "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = m.ValidateToken(plain)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDeleteToken(t *testing.T) {
	m := openTestManager(t)

	_, info, err := m.CreateToken("gone", RoleViewer, 0, "")
	require.NoError(t, err)

	ok, err := m.DeleteToken(info.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	tokens, err := m.ListTokens()
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestBootstrapAdminToken(t *testing.T) {
	m := openTestManager(t)

	plain, info, err := m.BootstrapAdminToken()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, RoleAdmin, info.Role)
	assert.NotEmpty(t, plain)

	// Second call is a no-op once a token exists.
	plain2, info2, err := m.BootstrapAdminToken()
	require.NoError(t, err)
	assert.Empty(t, plain2)
	assert.Nil(t, info2)
}

func TestRolePermissions(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(PermTokensManage))
	assert.True(t, RoleAdmin.HasPermission(PermLogsWrite))

	assert.True(t, RoleOperator.HasPermission(PermAgentsSpawn))
	assert.True(t, RoleOperator.HasPermission(PermTasksRead))
	assert.False(t, RoleOperator.HasPermission(PermTokensManage))
	assert.False(t, RoleOperator.HasPermission(PermSecretsManage))

	assert.True(t, RoleViewer.HasPermission(PermStatusRead))
	assert.False(t, RoleViewer.HasPermission(PermTasksCreate))

	assert.True(t, RoleAgent.HasPermission(PermHeartbeat))
	assert.True(t, RoleAgent.HasPermission(PermTaskUpdate))
	assert.False(t, RoleAgent.HasPermission(PermAgentsSpawn))
}
