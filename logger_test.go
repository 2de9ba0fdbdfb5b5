package unvme

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-io/unvme/config"
	"github.com/basalt-io/unvme/test"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: debug\n  format: json"))
	require.NoError(t, ConfigLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	require.NoError(t, c.LoadString("logging:\n  level: warning"))
	require.NoError(t, ConfigLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.Level)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestConfigLoggerInvalid(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: shouty"))
	assert.Error(t, ConfigLogger(l, c))

	require.NoError(t, c.LoadString("logging:\n  format: xml"))
	assert.Error(t, ConfigLogger(l, c))
}

func TestStartStatsConfig(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	// no sink configured is not an error
	require.NoError(t, c.LoadString("stats:\n  type: none"))
	assert.NoError(t, StartStats(l, c, "test"))

	// a sink without an interval is
	require.NoError(t, c.LoadString("stats:\n  type: graphite"))
	assert.Error(t, StartStats(l, c, "test"))

	require.NoError(t, c.LoadString("stats:\n  type: lies\n  interval: 10s"))
	assert.Error(t, StartStats(l, c, "test"))

	// graphite needs a host
	require.NoError(t, c.LoadString("stats:\n  type: graphite\n  interval: 10s"))
	assert.Error(t, StartStats(l, c, "test"))

	// prometheus needs listen and path
	require.NoError(t, c.LoadString("stats:\n  type: prometheus\n  interval: 10s"))
	assert.Error(t, StartStats(l, c, "test"))
}
