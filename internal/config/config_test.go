package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValidatesOnceLogPathIsSet(t *testing.T) {
	c := Default()
	c.LogPath = "/tmp/dbgmux.log"
	assert.NoError(t, c.Validate())
}

func TestDefaultRejectsStdioModeWithoutLogPathByDefault(t *testing.T) {
	assert.Error(t, Default().Validate())
}

func TestValidateRejectsStdioModeWithoutLogPath(t *testing.T) {
	c := Default()
	c.Mode = ModeStdio
	c.LogPath = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	c := Default()
	c.Mode = "bogus"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsMaxTimeoutBelowDefault(t *testing.T) {
	c := Default()
	c.LogPath = "/tmp/dbgmux.log"
	c.DefaultCommandTimeout = c.MaxCommandTimeout + 1
	assert.Error(t, c.Validate())
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("DBGMUX_MAX_CONCURRENT_SESSIONS", "42")
	c := Default()
	c.FromEnv()
	assert.Equal(t, 42, c.MaxConcurrentSessions)
}
