package engine

import (
	"context"

	"github.com/tendant/object-gateway/pkg/gateway"
)

// BulkFileItem is one file of a bulk upload. Content is base64 in JSON.
type BulkFileItem struct {
	Name        string         `json:"name"`
	Content     []byte         `json:"content"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type BulkError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// BulkResult reports per-item outcomes. A failed item never stops the batch.
type BulkResult struct {
	Successful []string    `json:"successful"`
	Failed     []BulkError `json:"failed"`
}

type BulkFile struct {
	Name     string            `json:"name"`
	Content  []byte            `json:"content"`
	Metadata *gateway.Metadata `json:"metadata,omitempty"`
}

type BulkDownloadResult struct {
	Files  []BulkFile  `json:"files"`
	Failed []BulkError `json:"failed"`
}

func newBulkResult() *BulkResult {
	return &BulkResult{Successful: []string{}, Failed: []BulkError{}}
}

// BulkUpload stores every item through Upload.
func (e *Engine) BulkUpload(ctx context.Context, storage string, items []BulkFileItem) (*BulkResult, error) {
	if _, err := e.Backend(storage); err != nil {
		return nil, err
	}
	res := newBulkResult()
	for _, item := range items {
		meta := gateway.NewMetadata(item.Name, int64(len(item.Content))).
			WithContentType(item.ContentType).
			WithCustom(item.Metadata)
		if _, err := e.Upload(ctx, storage, item.Name, item.Content, meta); err != nil {
			res.Failed = append(res.Failed, BulkError{Name: item.Name, Error: err.Error()})
			continue
		}
		res.Successful = append(res.Successful, item.Name)
	}
	return res, nil
}

// BulkDelete permanently deletes every key.
func (e *Engine) BulkDelete(ctx context.Context, storage string, keys []string) (*BulkResult, error) {
	if _, err := e.Backend(storage); err != nil {
		return nil, err
	}
	res := newBulkResult()
	for _, key := range keys {
		if err := e.Delete(ctx, storage, key); err != nil {
			res.Failed = append(res.Failed, BulkError{Name: key, Error: err.Error()})
			continue
		}
		res.Successful = append(res.Successful, key)
	}
	return res, nil
}

// BulkDownload reads every key through Download.
func (e *Engine) BulkDownload(ctx context.Context, storage string, keys []string) (*BulkDownloadResult, error) {
	if _, err := e.Backend(storage); err != nil {
		return nil, err
	}
	res := &BulkDownloadResult{Files: []BulkFile{}, Failed: []BulkError{}}
	for _, key := range keys {
		data, meta, err := e.Download(ctx, storage, key)
		if err != nil {
			res.Failed = append(res.Failed, BulkError{Name: key, Error: err.Error()})
			continue
		}
		res.Files = append(res.Files, BulkFile{Name: key, Content: data, Metadata: meta})
	}
	return res, nil
}
