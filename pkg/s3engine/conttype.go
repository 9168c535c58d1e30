package s3engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"stow/pkg/storage"
)

// sniffLen bounds how many leading bytes AutoContentType reads for detection.
// It matches the sample size the sniffing library inspects.
const sniffLen = 3072

// declaredContentType is the default mode: trust the multipart part's
// declared type, falling back to application/octet-stream.
func declaredContentType(_ context.Context, _ *http.Request, file *storage.File, _ io.Reader) (string, io.Reader, error) {
	if file.ContentType != "" {
		return file.ContentType, nil, nil
	}
	return "application/octet-stream", nil, nil
}

// AutoContentType sniffs the MIME type from the stream's leading bytes. The
// peeked prefix is replayed in front of the remaining stream, so the uploaded
// object is byte-for-byte identical to the original. When detection is
// inconclusive the part's declared type wins.
func AutoContentType(_ context.Context, _ *http.Request, file *storage.File, src io.Reader) (string, io.Reader, error) {
	prefix := make([]byte, sniffLen)
	n, err := io.ReadFull(src, prefix)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, fmt.Errorf("peek stream: %w", err)
	}
	prefix = prefix[:n]

	contentType := mimetype.Detect(prefix).String()
	// Drop charset parameters the sniffer attaches to text types; stored
	// content types carry the bare media type.
	if media, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = media
	}
	if contentType == "application/octet-stream" && file.ContentType != "" {
		contentType = file.ContentType
	}

	return contentType, io.MultiReader(bytes.NewReader(prefix), src), nil
}
