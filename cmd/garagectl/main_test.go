package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garagecore/internal/config"
	"garagecore/internal/core"
	"garagecore/pkg/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "garagecore.yaml")
	body := "storage:\n  driver: sqlite\n  sqlite_path: " + dbPath + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestTCOCommandReadsPersistedRecords(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "garage.db")
	cfgPath := writeConfig(t, dbPath)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	a, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	v, _, err := a.service.RegisterVehicle(ctx, core.RegisterVehicleCommand{VIN: "1HGCM82633A004352", Mileage: 10})
	require.NoError(t, err)
	_, _, err = a.service.RecordService(ctx, core.RecordServiceCommand{
		VehicleID: v.ID, Performer: "tech", ServiceType: "inspection", MileageAtService: 10,
		Labor: domain.Labor{Hours: 2, RateCents: 3000},
	})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	out, err := run(t, "tco", v.ID, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"total_cents": 6000`)
	assert.Contains(t, out, v.ID)

	_, err = run(t, "tco", "missing", "--config", cfgPath)
	require.Error(t, err)
}

func TestDispatchAndDeadLetterCommands(t *testing.T) {
	t.Setenv("GARAGECORE_STORAGE_DRIVER", "memory")
	t.Setenv("GARAGECORE_LOG_LEVEL", "error")

	out, err := run(t, "dispatch")
	require.NoError(t, err)
	assert.Contains(t, out, `"Processed": 0`)

	out, err = run(t, "dead-letters", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "null")

	_, err = run(t, "dead-letters", "redrive", "nope", "service_consumption")
	require.Error(t, err)

	_, err = run(t, "dead-letters", "redrive", "only-one-arg")
	require.Error(t, err)
}

func TestArchivedDeadLetters(t *testing.T) {
	t.Setenv("GARAGECORE_STORAGE_DRIVER", "memory")
	t.Setenv("GARAGECORE_LOG_LEVEL", "error")

	_, err := run(t, "dead-letters", "archived")
	require.Error(t, err)

	t.Setenv("GARAGECORE_ARCHIVE_DRIVER", "fs")
	t.Setenv("GARAGECORE_ARCHIVE_FS_ROOT", t.TempDir())
	out, err := run(t, "dead-letters", "archived", "--handler", "service_consumption")
	require.NoError(t, err)
	assert.Contains(t, out, "[]")
}

func TestInvalidConfigurationFails(t *testing.T) {
	t.Setenv("GARAGECORE_STORAGE_DRIVER", "cassandra")
	_, err := run(t, "dispatch")
	require.Error(t, err)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	policy, err := retryPolicy(config.Default().Dispatch)
	require.NoError(t, err)
	assert.Equal(t, 5, policy.MaxAttempts)

	bad := config.Default().Dispatch
	bad.Factor = 0.5
	_, err = retryPolicy(bad)
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
