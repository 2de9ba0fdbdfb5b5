package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-io/unvme/test"
)

func TestConfigLoadString(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	require.NoError(t, c.LoadString(`
device:
  bdf: "0000:01:00.0"
iommu:
  backend: iommufd
queues:
  requested: 8
  depth: 128
timeouts:
  command: 5s
`))

	assert.Equal(t, "0000:01:00.0", c.GetString("device.bdf", ""))
	assert.Equal(t, "iommufd", c.GetString("iommu.backend", "auto"))
	assert.Equal(t, 8, c.GetInt("queues.requested", 63))
	assert.Equal(t, uint32(128), c.GetUint32("queues.depth", 1024))
	assert.Equal(t, 5*time.Second, c.GetDuration("timeouts.command", time.Second))

	// missing keys fall back to defaults
	assert.Equal(t, "auto", c.GetString("iommu.missing", "auto"))
	assert.Equal(t, 63, c.GetInt("queues.missing", 63))
	assert.False(t, c.IsSet("stats.type"))
}

func TestConfigBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	require.NoError(t, c.LoadString("device:\n  administrative: yes"))
	assert.True(t, c.GetBool("device.administrative", false))

	require.NoError(t, c.LoadString("device:\n  administrative: no"))
	assert.False(t, c.GetBool("device.administrative", true))
}

func TestConfigLoadDirMerge(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-base.yaml"),
		[]byte("queues:\n  depth: 64\nlogging:\n  level: info\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-override.yml"),
		[]byte("logging:\n  level: debug\n"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))

	assert.Equal(t, 64, c.GetInt("queues.depth", 0))
	assert.Equal(t, "debug", c.GetString("logging.level", ""))
}

func TestConfigReloadCallback(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: info"))

	fired := false
	c.RegisterReloadCallback(func(cc *C) {
		fired = true
	})

	require.NoError(t, c.ReloadConfigString("logging:\n  level: debug"))
	assert.True(t, fired)
	assert.True(t, c.HasChanged("logging.level"))
	assert.False(t, c.HasChanged("queues"))
}
