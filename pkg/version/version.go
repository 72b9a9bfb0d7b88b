// Package version reports the devbus build version and the protocol
// versions it speaks.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/devbus/devbus-go/pkg/model"
)

// Version is the release version, set at link time with
// -ldflags "-X github.com/devbus/devbus-go/pkg/version.Version=1.2.3".
var Version = "dev"

// Protocol is the newest wire protocol version implemented.
const Protocol = model.VersionCurrent

// Build returns Version, falling back to the module version recorded in the
// binary for "go install" builds.
func Build() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return strings.TrimPrefix(info.Main.Version, "v")
	}
	return Version
}

// String returns a one-line description for --version output.
func String() string {
	return fmt.Sprintf("devbus %s (protocol %s)", Build(), Protocol)
}

// DriverVersion packs major and minor into a driver version word: major in
// the high byte, minor in the low byte.
func DriverVersion(major, minor uint8) uint16 {
	return uint16(major)<<8 | uint16(minor)
}

// FormatDriverVersion formats a driver version word as "major.minor".
func FormatDriverVersion(v uint16) string {
	return fmt.Sprintf("%d.%d", v>>8, v&0xff)
}

// ParseDriverVersion parses "major.minor" into a driver version word.
func ParseDriverVersion(s string) (uint16, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("invalid version %q: expected major.minor", s)
	}
	hi, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: bad major component", s)
	}
	lo, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: bad minor component", s)
	}
	return DriverVersion(uint8(hi), uint8(lo)), nil
}
