package version

const Version = "0.4.0"

// Commit is set at build time:
//
//	go build -ldflags "-X github.com/rubiojr/swapsync/pkg/version.Commit=$(git rev-parse --short HEAD)"
var Commit = ""

// BuildVersion returns the version line printed by the CLI.
func BuildVersion() string {
	if Commit == "" {
		return "swapsync version " + Version
	}
	return "swapsync version " + Version + " (" + Commit + ")"
}

// APIVersion is the version reported by health checks.
func APIVersion() string {
	return Version
}
