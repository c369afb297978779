// Package version carries the build version of scriptd.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// String describes the running build.
func String() string {
	return fmt.Sprintf("scriptd %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
