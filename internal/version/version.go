// Package version carries the build version, set with
// -ldflags "-X github.com/fabian4/pathmux/internal/version.Value=...".
package version

var Value = "dev"
