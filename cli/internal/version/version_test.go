package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBuildInfo(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    Info
	}{
		{
			name:    "release",
			version: "v1.2.3",
			want:    Info{Major: "1", Minor: "2", Patch: "3", GitVersion: "1.2.3", BuildDate: buildDate},
		},
		{
			name:    "pseudo version",
			version: "v0.1.1-0.20250101120000-abcdef123456",
			want: Info{Major: "0", Minor: "1", Patch: "1", PreRelease: "0.20250101120000-abcdef123456",
				GitVersion: "0.1.1-0.20250101120000-abcdef123456", GitCommit: "abcdef123456", BuildDate: "20250101120000"},
		},
		{
			name:    "work tree",
			version: "(devel)",
			want:    Info{Major: "0", Minor: "0", Patch: "0", PreRelease: "dev", GitVersion: "0.0.0-dev", BuildDate: buildDate},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := fromBuildInfo(&debug.BuildInfo{GoVersion: "go1.26.1", Main: debug.Module{Version: tt.version}})
			require.NoError(t, err)
			assert.Equal(t, tt.want.Major, info.Major)
			assert.Equal(t, tt.want.Minor, info.Minor)
			assert.Equal(t, tt.want.Patch, info.Patch)
			assert.Equal(t, tt.want.PreRelease, info.PreRelease)
			assert.Equal(t, tt.want.GitVersion, info.GitVersion)
			assert.Equal(t, tt.want.GitCommit, info.GitCommit)
			assert.Equal(t, tt.want.BuildDate, info.BuildDate)
			assert.Equal(t, "go1.26.1", info.GoVersion)
		})
	}

	_, err := fromBuildInfo(&debug.BuildInfo{Main: debug.Module{Version: "latest"}})
	assert.ErrorContains(t, err, "could not parse version")
}

func TestVCSRevision(t *testing.T) {
	info, err := fromBuildInfo(&debug.BuildInfo{
		Main:     debug.Module{Version: "v1.0.0"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123abcd"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "0123abcd", info.GitCommit)
}
