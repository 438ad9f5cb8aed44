package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

// Cloudinary stores blobs as Cloudinary assets whose public ID is the blob
// path without its extension.
type Cloudinary struct {
	cld          *cloudinary.Cloudinary
	resourceType string
}

func NewCloudinary(cloudName, apiKey, apiSecret string) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudinary: %w", err)
	}
	return &Cloudinary{cld: cld, resourceType: "image"}, nil
}

func publicID(p string) string {
	return strings.TrimSuffix(p, path.Ext(p))
}

func (c *Cloudinary) Put(ctx context.Context, p string, data []byte, contentType string) (models.BlobRef, error) {
	if p == "" {
		return models.BlobRef{}, ErrEmptyPath
	}
	res, err := c.cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		PublicID:     publicID(p),
		ResourceType: "auto",
		Overwrite:    api.Bool(true),
	})
	if err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to upload to Cloudinary: %w", err)
	}
	if res.Error.Message != "" {
		return models.BlobRef{}, fmt.Errorf("failed to upload to Cloudinary: %s", res.Error.Message)
	}
	return models.BlobRef{
		Path:        p,
		URL:         res.SecureURL,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

func (c *Cloudinary) Delete(ctx context.Context, p string) error {
	res, err := c.cld.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     publicID(p),
		ResourceType: c.resourceType,
		Invalidate:   api.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from Cloudinary: %w", p, err)
	}
	// "not found" means it is already gone.
	if res.Result != "ok" && res.Result != "not found" {
		return fmt.Errorf("failed to delete %s from Cloudinary: %s", p, res.Result)
	}
	return nil
}
