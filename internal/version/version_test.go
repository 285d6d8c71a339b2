package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBuild(t *testing.T, version, commit string) {
	t.Helper()
	origVersion, origCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })
	Version, Commit = version, commit
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestString(t *testing.T) {
	withBuild(t, "1.2.3", "unknown")
	assert.Contains(t, String(), "downloadarr version 1.2.3")
	assert.NotContains(t, String(), "commit")

	withBuild(t, "1.2.3", "0123456789abcdef")
	assert.Contains(t, String(), "commit: 01234567")
}

func TestShort(t *testing.T) {
	withBuild(t, "1.0.0", "unknown")
	assert.Equal(t, "1.0.0", Short())

	withBuild(t, "1.0.0", "deadbeefcafe")
	assert.Equal(t, "1.0.0 (deadbeef)", Short())
}

func TestJSON(t *testing.T) {
	withBuild(t, "2.0.0", "unknown")

	var info Info
	require.NoError(t, json.Unmarshal([]byte(JSON()), &info))
	assert.Equal(t, "2.0.0", info.Version)
}

func TestUserAgent(t *testing.T) {
	withBuild(t, "1.0.0", "unknown")
	assert.Equal(t, "downloadarr/1.0.0", UserAgent(""))
	assert.Equal(t, "downloadarr-worker/1.0.0", UserAgent("downloadarr-worker"))
}
