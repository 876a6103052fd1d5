package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.HTTP.Addr)
	assert.Equal(t, []string{"WB-1"}, cfg.Workbenches)
	assert.Equal(t, StorageBadger, cfg.Storage.Backend)

	a := cfg.AnchoringConfig()
	assert.Equal(t, 8, a.Policy.MaxAttempts)
	assert.Equal(t, 10*time.Second, a.CallTimeout)
	assert.Equal(t, time.Minute, a.ReconcileInterval)
	assert.GreaterOrEqual(t, a.LeaseTTL, 5*a.CallTimeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workbenches: [WB-1, WB-2]
devices:
  HID-Reader-1: rfid
  HID-Scanner-1: barcode
debounce: 500ms
timeouts:
  identification: 45s
anchoring:
  workers: 4
  max_delay: 10m
printer:
  qr_only_for_composite: true
`), 0o600))
	t.Setenv("WORKBENCH_ANCHORING_WORKERS", "6")
	t.Setenv("WORKBENCH_DATABASE_DSN", "override.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"WB-1", "WB-2"}, cfg.Workbenches)
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 6, cfg.Anchoring.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Anchoring.MaxDelay)
	assert.Equal(t, "override.db", cfg.Database.DSN)

	kinds, err := cfg.DeviceKinds()
	require.NoError(t, err)
	assert.Equal(t, device.KindRFID, kinds["hid-reader-1"])
	assert.Equal(t, device.KindBarcode, kinds["hid-scanner-1"])

	wb := cfg.WorkbenchConfig()
	assert.Equal(t, 45*time.Second, wb.IdentificationTimeout)
	assert.True(t, wb.Labels.QROnlyForComposite)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Database.Driver = "mysql"
	bad.Storage.Backend = StorageGateway
	bad.Anchoring.LeaseTTL = time.Second
	bad.Devices = map[string]string{"x": "keyboard"}
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "storage.gateway_url")
	assert.Contains(t, err.Error(), "lease_ttl")
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
