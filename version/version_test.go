package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{Version: "dev", CommitHash: "0123456789abcdef", BuildTime: "2026-01-02T03:04:05Z"}
	assert.Equal(t, "portal dev (commit 0123456789abcdef, built 2026-01-02T03:04:05Z)", info.String())

	info.Version = "v1.2.0"
	info.Modified = true
	assert.Equal(t, "portal v1.2.0 (commit 0123456789abcdef+dirty, built 2026-01-02T03:04:05Z)", info.String())
}

func TestInfoShort(t *testing.T) {
	assert.Equal(t, "0123456", Info{CommitHash: "0123456789abcdef"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestFromVCS(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs", Value: "git"},
		{Key: "vcs.revision", Value: "fedcba9876543210"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	t.Run("fills defaults", func(t *testing.T) {
		info := Info{Version: "dev", CommitHash: "dev", BuildTime: "unknown"}
		info.fromVCS(settings)
		assert.Equal(t, "fedcba9876543210", info.CommitHash)
		assert.Equal(t, "2026-10-01T12:00:00Z", info.BuildTime)
		assert.True(t, info.Modified)
	})

	t.Run("ldflags win", func(t *testing.T) {
		info := Info{Version: "v1.0.0", CommitHash: "abc1234", BuildTime: "2026-09-30"}
		info.fromVCS(settings)
		assert.Equal(t, "abc1234", info.CommitHash)
		assert.Equal(t, "2026-09-30", info.BuildTime)
	})
}

func TestGet(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
