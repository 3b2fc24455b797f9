package secrets

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/go-pkgz/fileutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestInternalProvider_EncryptionDecryption(t *testing.T) {
	p := &InternalProvider{key: []byte("test_key")}

	er, err := p.encrypt("test_value")
	require.NoError(t, err)
	t.Logf("encrypted value: %s", er)
	dr, err := p.decrypt(er)
	require.NoError(t, err)
	assert.Equal(t, "test_value", dr)

	other := &InternalProvider{key: []byte("other_key")}
	_, err = other.decrypt(er)
	require.EqualError(t, err, "failed to decrypt")

	_, err = p.decrypt("c2hvcnQ=")
	require.EqualError(t, err, "encrypted data too short")

	_, err = p.decrypt("not base64!")
	require.Error(t, err)
}

func TestInternalProvider_SQLite(t *testing.T) {
	ctx := context.Background()
	fname, err := fileutils.TempFileName("", "secrets*.db")
	require.NoError(t, err)
	defer os.Remove(fname)

	_, err = NewInternalProvider(ctx, "file:"+fname, nil)
	require.EqualError(t, err, "secrets key is required")

	p, err := NewInternalProvider(ctx, "file:"+fname, []byte("test_key"))
	require.NoError(t, err)

	require.NoError(t, p.Set(ctx, "db/pass", "s3cret"))
	require.NoError(t, p.Set(ctx, "db/user", "admin"))
	require.NoError(t, p.Set(ctx, "api/token", "tok"))
	require.NoError(t, p.Set(ctx, "db/pass", "s3cret2"), "set replaces value")
	require.Error(t, p.Set(ctx, "", "x"))

	val, err := p.Get(ctx, "db/pass")
	require.NoError(t, err)
	assert.Equal(t, "s3cret2", val)

	keys, err := p.List(ctx, "db/")
	require.NoError(t, err)
	assert.Equal(t, []string{"db/pass", "db/user"}, keys)
	keys, err = p.List(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"api/token", "db/pass", "db/user"}, keys)

	require.NoError(t, p.Delete(ctx, "db/user"))
	require.EqualError(t, p.Delete(ctx, "db/user"), "key not found in the database: db/user")
	_, err = p.Get(ctx, "db/user")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, p.Close())

	// reopen with a wrong key, data persisted but can't be decrypted
	p2, err := NewInternalProvider(ctx, "file:"+fname, []byte("wrong_key"))
	require.NoError(t, err)
	defer p2.Close()
	_, err = p2.Get(ctx, "db/pass")
	require.ErrorContains(t, err, "failed to decrypt")
}

func TestInternalProvider_Databases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database containers in short mode")
	}
	ctx := context.Background()
	pgConnString, mysqlConnString := setupTestContainers(t)

	testCases := []struct {
		name       string
		connString string
	}{
		{name: "PostgreSQL", connString: pgConnString},
		{name: "MySQL", connString: mysqlConnString},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			provider, err := NewInternalProvider(ctx, tc.connString, []byte("test_key"))
			require.NoError(t, err)
			defer provider.Close()

			require.NoError(t, provider.Set(ctx, "test_key", "test_value"))
			require.NoError(t, provider.Set(ctx, "test_key", "test_value2"))

			secret, err := provider.Get(ctx, "test_key")
			require.NoError(t, err)
			assert.Equal(t, "test_value2", secret)

			keys, err := provider.List(ctx, "test")
			require.NoError(t, err)
			assert.Equal(t, []string{"test_key"}, keys)

			require.NoError(t, provider.Delete(ctx, "test_key"))
			_, err = provider.Get(ctx, "test_key")
			require.Error(t, err)
		})
	}
}

func setupTestContainers(t *testing.T) (pgConn, mysqlConn string) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env:          map[string]string{"POSTGRES_PASSWORD": "password"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	mysqlContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8",
			ExposedPorts: []string{"3306/tcp"},
			Env:          map[string]string{"MYSQL_ROOT_PASSWORD": "password"},
			WaitingFor:   wait.ForLog("port: 3306  MySQL Community Server - GPL"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mysqlContainer.Terminate(ctx)) })

	mysqlHost, err := mysqlContainer.Host(ctx)
	require.NoError(t, err)
	mysqlPort, err := mysqlContainer.MappedPort(ctx, "3306")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://postgres:password@%s:%d/postgres?sslmode=disable", pgHost, pgPort.Int()),
		fmt.Sprintf("root:password@tcp(%s:%d)/mysql", mysqlHost, mysqlPort.Int())
}
