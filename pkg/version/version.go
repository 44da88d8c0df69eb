package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// set by -ldflags "-X kubegems.io/modelkit/pkg/version.gitVersion=..."
var (
	gitVersion = "v0.0.0-dev"
	gitCommit  = ""
	buildDate  = "1970-01-01T00:00:00Z"
)

type Version struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Compiler   string `json:"compiler"`
	Platform   string `json:"platform"`
}

func (v Version) String() string {
	if v.GitCommit == "" {
		return v.GitVersion
	}
	return fmt.Sprintf("%s-%s", v.GitVersion, v.GitCommit)
}

func Get() Version {
	commit := gitCommit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
					commit = setting.Value[:7]
				}
			}
		}
	}
	return Version{
		GitVersion: gitVersion,
		GitCommit:  commit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Compiler:   runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
