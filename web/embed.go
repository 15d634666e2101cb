package web

import "embed"

// FS contains the embedded results board.
//
//go:embed index.html
var FS embed.FS
