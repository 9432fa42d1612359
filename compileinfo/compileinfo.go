// Package compileinfo reports which commit a binary was built from, so that
// runs recorded in the database can be traced back to the code that made
// them.
package compileinfo

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

type CompileInfo struct {
	Package    string
	GoVersion  string
	Version    string
	Commit     string
	CommitTime string
	Modified   bool
}

func (c CompileInfo) String() string {
	if c.Commit == "" {
		return fmt.Sprintf("%s %s (%s, no VCS information)", c.Package, c.Version, c.GoVersion)
	}

	mod := ""
	if c.Modified {
		mod = ", modified"
	}

	return fmt.Sprintf("%s %s (%s, commit %s at %s%s)", c.Package, c.Version, c.GoVersion, c.Commit, c.CommitTime, mod)
}

// Fields returns the build information as structured log fields.
func (c CompileInfo) Fields() log.Fields {
	return log.Fields{
		"package":  c.Package,
		"go":       c.GoVersion,
		"version":  c.Version,
		"commit":   c.Commit,
		"time":     c.CommitTime,
		"modified": c.Modified,
	}
}

func Get() CompileInfo {
	z, ok := debug.ReadBuildInfo()
	if !ok {
		return CompileInfo{}
	}

	return fromBuildInfo(z)
}

func fromBuildInfo(z *debug.BuildInfo) CompileInfo {
	out := CompileInfo{
		GoVersion: z.GoVersion,
		Package:   z.Path,
		Version:   z.Main.Version,
	}
	for _, s := range z.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.time":
			out.CommitTime = s.Value
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}

	return out
}

// Log writes the build information to the standard logger.
func Log() {
	log.WithFields(Get().Fields()).Infoln("Build")
}
