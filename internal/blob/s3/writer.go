package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/quantfold/arbengine/internal/domain"
)

// Writer uploads objects to the configured bucket.
type Writer struct {
	client *Client
}

var _ domain.BlobWriter = (*Writer)(nil)

// NewWriter creates a Writer backed by the given client.
func NewWriter(client *Client) *Writer {
	return &Writer{client: client}
}

// Put uploads the object under the given key.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.client.bucket),
		Key:    aws.String(path),
		Body:   data,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := w.client.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}
