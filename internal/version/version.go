package version

import "strings"

// Set at build time with -ldflags "-X enxero/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)

type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime,omitempty"`
}

func Current() Info {
	out := Info{
		Service:   "enxero-auth",
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		BuildTime: strings.TrimSpace(BuildTime),
	}
	if out.Version == "" {
		out.Version = "dev"
	}
	if out.Commit == "" {
		out.Commit = "unknown"
	}
	return out
}

// String renders the info for startup logs.
func (i Info) String() string {
	s := i.Service + " " + i.Version + " (" + i.Commit
	if i.BuildTime != "" {
		s += ", " + i.BuildTime
	}
	return s + ")"
}
