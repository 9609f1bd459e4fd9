// Package templates embeds the default router configuration.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
