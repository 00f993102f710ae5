package ui

import "embed"

// Dist embeds the compiled admin panel from ui/dist/. A placeholder
// index.html is checked in so the binary builds without the frontend.
//
//go:embed all:dist
var Dist embed.FS
