package downloader

import (
	"path/filepath"
	"strings"
)

var filenameReplacer = strings.NewReplacer(
	":", "_",
	"<", "_",
	">", "_",
	"|", "_",
	"*", "_",
	"?", "_",
	`"`, "_",
	"@", "_at_",
)

// SanitizeFilename makes a display or remote name safe to use as a single path element.
// Directory components are stripped so a name can never escape the download directory.
func SanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	name = filenameReplacer.Replace(name)

	if name == "" || name == "/" || name == "." {
		return "download"
	}

	return name
}
