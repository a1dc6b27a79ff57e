package appfs

import "embed"

// FS embeds everything the binaries need at runtime: goose migrations
// and email templates. Apps stay a single deployable file.
//go:embed migrations templates
var FS embed.FS
