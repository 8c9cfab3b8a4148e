package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/sharing"
)

// CreateShareLink issues a link to an existing object of storage.
func (e *Engine) CreateShareLink(ctx context.Context, storage, key string, expiresIn time.Duration, opts ...sharing.LinkOption) (*sharing.ShareLink, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	link, err := sharing.NewShareLink(storage, key, expiresIn, opts...)
	if err != nil {
		return nil, err
	}
	if !link.IsUploadLink {
		ok, err := b.Storage.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, gateway.NotFoundError("object", key)
		}
	}
	return e.shares.CreateLink(link)
}

// AccessShareLink authorizes a download through link id, reads the file
// and counts the download once the read succeeded.
func (e *Engine) AccessShareLink(ctx context.Context, id uuid.UUID, password string) ([]byte, *gateway.Metadata, *sharing.ShareLink, error) {
	link, err := e.shares.GetLink(id)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := sharing.Authorize(link, password); err != nil {
		return nil, nil, nil, err
	}
	if link.IsUploadLink {
		return nil, nil, nil, fmt.Errorf("%w: link %s is an upload link", sharing.ErrLinkInvalid, id)
	}
	data, meta, err := e.Download(ctx, link.StorageName, link.FileKey)
	if err != nil {
		return nil, nil, nil, err
	}
	updated, err := e.shares.IncrementDownload(id)
	if err != nil {
		return nil, nil, nil, err
	}
	return data, meta, updated, nil
}

// UploadViaShareLink stores data at the key of upload link id. Each
// upload counts as one use of the link.
func (e *Engine) UploadViaShareLink(ctx context.Context, id uuid.UUID, password string, data []byte, contentType string) (*UploadResult, *sharing.ShareLink, error) {
	link, err := e.shares.GetLink(id)
	if err != nil {
		return nil, nil, err
	}
	if err := sharing.Authorize(link, password); err != nil {
		return nil, nil, err
	}
	if !link.IsUploadLink {
		return nil, nil, fmt.Errorf("%w: link %s is a download link", sharing.ErrLinkInvalid, id)
	}
	meta := gateway.NewMetadata(link.FileKey, int64(len(data))).WithContentType(contentType)
	res, err := e.Upload(ctx, link.StorageName, link.FileKey, data, meta)
	if err != nil {
		return nil, nil, err
	}
	updated, err := e.shares.IncrementDownload(id)
	if err != nil {
		return nil, nil, err
	}
	return res, updated, nil
}
