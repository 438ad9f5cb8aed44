package services

import (
	"regexp"
	"strings"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

var dataPathAttr = regexp.MustCompile(`(?i)data-path\s*=\s*(?:"([^"]*)"|'([^']*)')`)

// CollectBlobPaths returns every blob path a record references: attachments,
// content images, then data-path attributes in the rich body. Paths are
// trimmed, empty ones skipped, and duplicates dropped keeping the first.
func CollectBlobPaths(rec *models.DiaryRecord) []string {
	if rec == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, a := range rec.Attachments {
		add(a.Path)
	}
	for _, img := range rec.ContentImages {
		add(img.Path)
	}
	for _, m := range dataPathAttr.FindAllStringSubmatch(rec.BodyRich, -1) {
		add(m[1] + m[2])
	}
	return out
}
