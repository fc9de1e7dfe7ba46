// Package templates embeds the default files written by agentloop setup.
package templates

import "embed"

//go:embed config.yaml checkpoint_rules.yaml plans.yaml
var FS embed.FS
