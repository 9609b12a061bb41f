package webassets

import "embed"

// FS contains embedded web assets from this directory.
//
//go:embed oauth-complete.html
var FS embed.FS
