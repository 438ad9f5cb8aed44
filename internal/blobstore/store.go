// Package blobstore stores the files diary records reference. Callers pick
// the path; every backend treats Delete of a missing path as success so
// purges can be re-run.
package blobstore

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

var ErrEmptyPath = errors.New("blob path is empty")

type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (models.BlobRef, error)
	Delete(ctx context.Context, path string) error
}

var unsafeName = regexp.MustCompile(`[^\w.\-() ]+`)

// UploadPath builds the path an uploaded image is stored under:
// users/{owner}/diaries/{diary}/images/{unix-millis}_{name}.
func UploadPath(ownerID, diaryID, fileName string, at time.Time) string {
	name := unsafeName.ReplaceAllString(path.Base(fileName), "_")
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	return strings.Join([]string{
		"users", ownerID, "diaries", diaryID, "images",
		strconv.FormatInt(at.UnixMilli(), 10) + "_" + name,
	}, "/")
}
