// Package version carries build information stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/tolelom/poschain/internal/version.Version=0.2.0 -X github.com/tolelom/poschain/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the current binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("Version: %s\nCommit:  %s\nGo:      %s\nTarget:  %s", i.Version, i.Commit, i.GoVersion, i.Platform)
}
