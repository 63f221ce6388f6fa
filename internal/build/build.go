package build

import (
	"fmt"
	"strings"
)

// Set via -ldflags at release time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"

	AppName = "Tandem"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}

// UserAgent identifies this binary to remote connectors and object stores.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Slug, Version)
}
