//nolint:gochecknoglobals // version info set via ldflags
package version

import (
	"runtime"
	"strings"
)

// These variables are intended to be set via -ldflags at build time.
// Example:
//
//	-X github.com/bavix/splitdns/internal/version.Version=v0.3.0 \
//	-X github.com/bavix/splitdns/internal/version.BuildTime=2026-10-01T12:00:00Z
var (
	Version   = "dev"
	BuildTime = ""
)

func GetVersion() string { return Version }

func GetBuildTime() string { return BuildTime }

// String renders the one-line banner printed by --version.
func String() string {
	var b strings.Builder

	b.WriteString("splitdns ")
	b.WriteString(GetVersion())

	if bt := GetBuildTime(); bt != "" {
		b.WriteString(" (built ")
		b.WriteString(bt)
		b.WriteString(")")
	}

	b.WriteString(" ")
	b.WriteString(runtime.Version())
	b.WriteString(" ")
	b.WriteString(runtime.GOOS)
	b.WriteString("/")
	b.WriteString(runtime.GOARCH)

	return b.String()
}
