package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestDiscoverFiles_MixedValidity(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`{"accountName":"alice","cookies":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-2.json"), []byte(`not json`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-5.json"), []byte(`{"cookies":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore-me.txt"), []byte(`whatever`), 0o644))

	store, err := Discover(dir, nil, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 5}, store.InitialIndices())
	assert.Equal(t, []int{1, 5}, store.AvailableIndices())
	assert.Contains(t, store.InvalidIndices(), 2)

	cred, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.AccountName)
	assert.Equal(t, "alice", store.DisplayName(1))
	assert.Equal(t, "credential-5", store.DisplayName(5))

	_, err = store.Get(2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscover_AllInvalidFailsStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`not json`), 0o644))

	_, err := Discover(dir, nil, testLogger())
	assert.ErrorIs(t, err, ErrNoValidCredentials)
}

func TestDiscover_EnvModeTakesPriority(t *testing.T) {
	t.Setenv("AUTH_JSON_3", `{"accountName":"env-cred"}`)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`{}`), 0o644))

	store, err := Discover(dir, nil, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []int{3}, store.AvailableIndices())
	assert.Equal(t, "env-cred", store.DisplayName(3))
}

func TestAESSecretProviderRoundTrip(t *testing.T) {
	provider, err := NewAESSecretProvider("0123456789abcdef")
	require.NoError(t, err)

	ciphertext, err := provider.Encrypt(`{"accountName":"bob"}`)
	require.NoError(t, err)
	assert.NotEqual(t, `{"accountName":"bob"}`, ciphertext)

	plaintext, err := provider.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, `{"accountName":"bob"}`, plaintext)
}

func TestAESSecretProvider_RejectsBadKeyLength(t *testing.T) {
	_, err := NewAESSecretProvider("short")
	assert.Error(t, err)
}
