package pipeline

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// folderTimeLayout is the timestamp suffix of capture folder names.
const folderTimeLayout = "2006_01_02_15_04_05"

var unsafeFolderChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FolderName derives the capture directory name from the page host (minus a
// leading www.) and the capture start time.
func FolderName(u *url.URL, at time.Time) string {
	site := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	site = strings.Trim(unsafeFolderChars.ReplaceAllString(site, "_"), "._")
	if site == "" {
		site = "capture"
	}
	return site + "_" + at.UTC().Format(folderTimeLayout)
}
