// Package embedded provides access to data files compiled into the binary.
package embedded

import _ "embed"

// ModelCatalogData contains the embedded model catalog YAML data: every known
// model with its provider, context window and per-token pricing.
//
//go:embed models.yaml
var ModelCatalogData []byte

// DefaultProfileData contains the embedded portfolio profile used when no
// profile file is configured.
//
//go:embed profile.yaml
var DefaultProfileData []byte
