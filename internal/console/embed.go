// ABOUTME: Embeds HTML templates and help docs into the binary using go:embed
// ABOUTME: Provides templateFS and helpFS for serving at runtime

package console

import "embed"

//go:embed templates/*.html
var templateFS embed.FS

//go:embed docs/*.md
var helpFS embed.FS
