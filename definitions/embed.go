// Package definitions bundles the built-in wizard definitions.
package definitions

import "embed"

// FS holds the built-in wizard definition files.
//
//go:embed *.yaml
var FS embed.FS
