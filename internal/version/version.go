// Package version reports the specbatch release embedded at build time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var embedded string

// devVersion is reported when the VERSION file is empty.
const devVersion = "dev"

// Get returns the embedded release version, or "dev" for local builds.
func Get() string {
	return normalize(embedded)
}

func normalize(raw string) string {
	v := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if v == "" {
		return devVersion
	}
	return v
}
