package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testPostgresImage    = "postgres:16-alpine"
	testPostgresPort     = "5432"
	testPostgresUser     = "fieldsync"
	testPostgresPassword = "fieldsync"
	testPostgresDB       = "fieldsync"
)

func GetDefaultPostgresImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testPostgresImage,
		EmulatorHTTPPort: testPostgresPort,
	}
}

// SetupPostgresContainer starts Postgres and returns a database URL for it.
func SetupPostgresContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnection {
	t.Helper()
	port := fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort)
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{port},
		Env: map[string]string{
			"POSTGRES_USER":     testPostgresUser,
			"POSTGRES_PASSWORD": testPostgresPassword,
			"POSTGRES_DB":       testPostgresDB,
		},
		// The server restarts once after initdb.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", testPostgresUser, testPostgresPassword, host, mapped.Port(), testPostgresDB)
	return EmulatorConnection{EmulatorAddress: url}
}
