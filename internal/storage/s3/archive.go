package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Archiver writes JSON documents as gzip objects under a dated layout:
// {kind}/{yyyy}/{mm}/{dd}/{id}.json.gz
type Archiver struct {
	client *Client
}

// NewArchiver creates an archiver on client.
func NewArchiver(client *Client) *Archiver {
	return &Archiver{client: client}
}

// ArchiveJSON marshals v, compresses it and uploads it.
func (a *Archiver) ArchiveJSON(ctx context.Context, kind, id string, at time.Time, v any) (*UploadOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to marshal %s: %w", kind, err)
	}
	compressed, err := compressGzip(data)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to compress %s: %w", kind, err)
	}

	out, err := a.client.Upload(ctx, &UploadInput{
		Key:             archiveKey(kind, id, at),
		Body:            compressed,
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Metadata: map[string]string{
			"kind":          kind,
			"original-size": fmt.Sprintf("%d", len(data)),
		},
	})
	if err != nil {
		return nil, err
	}

	a.client.logger.Info("archived document",
		"kind", kind,
		"id", id,
		"location", out.Location,
		"original_size", len(data),
		"compressed_size", len(compressed))
	return out, nil
}

// FetchJSON downloads an archived document and decodes it into v.
func (a *Archiver) FetchJSON(ctx context.Context, key string, v any) error {
	data, err := a.client.Download(ctx, key)
	if err != nil {
		return err
	}
	plain, err := decompressGzip(data)
	if err != nil {
		return fmt.Errorf("s3: failed to decompress %s: %w", key, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("s3: failed to decode %s: %w", key, err)
	}
	return nil
}

func archiveKey(kind, id string, at time.Time) string {
	at = at.UTC()
	return strings.Join([]string{kind, at.Format("2006"), at.Format("01"), at.Format("02"), id + ".json.gz"}, "/")
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
