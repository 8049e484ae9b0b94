package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version holds the current build version. Override with
// -ldflags "-X github.com/fusionn-autosub/internal/version.Version=v1.2.3".
var Version = "dev"

// Name is the service name shown in the banner and /version.
const Name = "fusionn-autosub"

const (
	separator = "────────────────────────────────────────────────────────────"
	banner    = `
   __           _                                   _            _
  / _|_   _ ___(_) ___  _ __  _ __         __ _ _  _| |_ ___  ___ _   _| |__
 | |_| | | / __| |/ _ \| '_ \| '_ \ _____ / _' | || |  _/ _ \(_-<| | | | '_ \
 |  _| |_| \__ \ | (_) | | | | | | |_____| (_| | || | || (_) /__/| |_| | |_) |
 |_|  \__,_|___/_|\___/|_| |_|_| |_|      \__,_|\_,_|\__\___/   \__,_|_.__/
`
)

// Info describes the running build.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

// Get returns the build info.
func Get() Info {
	return Info{Name: Name, Version: Version, GoVersion: runtime.Version()}
}

// Banner returns the ASCII-art project banner.
func Banner() string {
	return strings.Trim(banner, "\n")
}

// PrintBanner writes the decorated banner and version info to w (stdout if nil).
func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w, Banner())
	fmt.Fprintf(w, "\n  %s %s\n", Name, Version)
	fmt.Fprintf(w, "  Video Subtitle Generation Service\n")
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w)
}
