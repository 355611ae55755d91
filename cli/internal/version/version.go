// Package version reports the version the binary was built from.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// set with -ldflags
var (
	gitVersion = "0.0.0-dev"
	gitCommit  string
	buildDate  = "1970-01-01T00:00:00Z"
)

type Info struct {
	Major      string `json:"major"`
	Minor      string `json:"minor"`
	Patch      string `json:"patch"`
	PreRelease string `json:"prerelease"`
	Meta       string `json:"meta"`
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Compiler   string `json:"compiler"`
	Platform   string `json:"platform"`
}

// Get returns the version of the running binary. The module version from the build info
// wins over the linker provided gitVersion, unless the binary was built from a work tree.
func Get() (Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{}, fmt.Errorf("could not read build info")
	}
	return fromBuildInfo(bi)
}

func fromBuildInfo(bi *debug.BuildInfo) (Info, error) {
	raw := bi.Main.Version
	if raw == "" || raw == "(devel)" {
		raw = gitVersion
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return Info{}, fmt.Errorf("could not parse version %q: %w", raw, err)
	}

	commit, date := gitCommit, buildDate
	// pseudo versions carry the commit date and hash, e.g. v0.1.1-0.20250101120000-abcdef123456
	if parts := strings.Split(v.Prerelease(), "."); len(parts) == 2 {
		if d, c, found := strings.Cut(parts[1], "-"); found {
			date, commit = d, c
		}
	}
	for _, setting := range bi.Settings {
		if setting.Key == "vcs.revision" && commit == "" {
			commit = setting.Value
		}
	}

	return Info{
		Major:      strconv.FormatUint(v.Major(), 10),
		Minor:      strconv.FormatUint(v.Minor(), 10),
		Patch:      strconv.FormatUint(v.Patch(), 10),
		PreRelease: v.Prerelease(),
		Meta:       v.Metadata(),
		GitVersion: v.String(),
		GitCommit:  commit,
		BuildDate:  date,
		GoVersion:  bi.GoVersion,
		Compiler:   runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}, nil
}
