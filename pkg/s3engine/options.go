package s3engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	"stow/pkg/storage"
)

// Server-side encryption modes accepted by Options.ServerSideEncryption.
const (
	SSEAlgorithmAES256 = "AES256"
	SSEAlgorithmKMS    = "aws:kms"
)

// ErrInvalidOptions is wrapped by every validation failure reported by New.
var ErrInvalidOptions = errors.New("invalid engine options")

// StringResolver produces a per-file value for a string attribute. Resolvers
// run before the upload begins and any error aborts the file.
type StringResolver func(ctx context.Context, r *http.Request, file *storage.File) (string, error)

// MetadataResolver produces the per-file user metadata map.
type MetadataResolver func(ctx context.Context, r *http.Request, file *storage.File) (map[string]string, error)

// ContentTypeResolver determines the MIME type for a file. It receives the
// file's stream and returns the stream the upload should consume; returning a
// nil reader means "use src unchanged". Resolvers that peek at src must
// return a reader that replays the peeked bytes.
type ContentTypeResolver func(ctx context.Context, r *http.Request, file *storage.File, src io.Reader) (string, io.Reader, error)

// TransformFunc turns a file's stream into the stream of a derived object.
// The returned reader is consumed exactly once by the transform's upload.
type TransformFunc func(ctx context.Context, r *http.Request, file *storage.File, src io.Reader) (io.Reader, error)

// Transform names one derived object to produce per file. The Key
// disambiguates the stored object: it is appended to the file's resolved
// object key and recorded on the result entry.
type Transform struct {
	Key string
	Fn  TransformFunc
}

// Fixed returns a resolver that always yields v.
func Fixed(v string) StringResolver {
	return func(context.Context, *http.Request, *storage.File) (string, error) {
		return v, nil
	}
}

// FixedMetadata returns a resolver that always yields md.
func FixedMetadata(md map[string]string) MetadataResolver {
	return func(context.Context, *http.Request, *storage.File) (map[string]string, error) {
		return md, nil
	}
}

// FixedContentType returns a resolver that always yields ct and leaves the
// stream untouched.
func FixedContentType(ct string) ContentTypeResolver {
	return func(_ context.Context, _ *http.Request, _ *storage.File, _ io.Reader) (string, io.Reader, error) {
		return ct, nil, nil
	}
}

// randomKey generates an object key from a fresh UUID, keeping the original
// filename's extension so stored objects remain recognizable.
func randomKey(_ context.Context, _ *http.Request, file *storage.File) (string, error) {
	return uuid.NewString() + filepath.Ext(file.OriginalName), nil
}

// Options configures an Engine. Client and Bucket are required; every other
// attribute is optional and defaults to being omitted from the upload.
type Options struct {
	// Client performs the actual storage operations. *minio.Client satisfies
	// this.
	Client Client

	// Bucket resolves the destination bucket. Required.
	Bucket StringResolver

	// Key resolves the object key. Defaults to a random UUID-based key.
	Key StringResolver

	// ACL resolves the canned ACL applied to the object (e.g. "public-read").
	ACL StringResolver

	// ContentType resolves the stored MIME type. Defaults to the type
	// declared by the multipart part, or application/octet-stream when none
	// was declared. Use AutoContentType for content sniffing.
	ContentType ContentTypeResolver

	CacheControl       StringResolver
	ContentDisposition StringResolver
	ContentEncoding    StringResolver

	// ServerSideEncryption resolves the at-rest encryption mode: empty,
	// "AES256" or "aws:kms". Any other resolved value fails the file.
	ServerSideEncryption StringResolver

	// SSEKMSKeyID is the KMS key used when ServerSideEncryption resolves to
	// "aws:kms". Empty means the service default key.
	SSEKMSKeyID string

	StorageClass StringResolver

	// Metadata resolves user metadata stored with the object.
	Metadata MetadataResolver

	// Transforms lists the derived objects to produce per file, in order.
	Transforms []Transform

	// ShouldTransform decides per file whether the configured transforms
	// run. Nil means transforms run whenever any are configured.
	ShouldTransform func(ctx context.Context, r *http.Request, file *storage.File) (bool, error)

	// UploadOriginal also stores the untransformed stream under the base key
	// when transforms run. Without transforms the original is always stored.
	UploadOriginal bool
}

// validate checks the options synchronously, before any I/O.
func (o *Options) validate() error {
	if o.Client == nil {
		return fmt.Errorf("%w: Client must not be nil", ErrInvalidOptions)
	}
	if o.Bucket == nil {
		return fmt.Errorf("%w: Bucket must not be nil", ErrInvalidOptions)
	}

	seen := make(map[string]bool, len(o.Transforms))
	for i, t := range o.Transforms {
		if t.Key == "" {
			return fmt.Errorf("%w: transform %d has an empty key", ErrInvalidOptions, i)
		}
		if t.Fn == nil {
			return fmt.Errorf("%w: transform %q has a nil function", ErrInvalidOptions, t.Key)
		}
		if seen[t.Key] {
			return fmt.Errorf("%w: duplicate transform key %q", ErrInvalidOptions, t.Key)
		}
		seen[t.Key] = true
	}

	return nil
}
