// Package version exposes the build version of the herald binary.
package version

// version is stamped at release build time via
//
//	-ldflags "-X github.com/heraldhq/herald/internal/version.version=v1.2.0"
var version = "dev"

// Version returns the stamped release version, "dev" for local builds.
func Version() string {
	return version
}
