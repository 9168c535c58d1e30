// Package s3engine implements the storage.Engine contract on top of an
// S3-compatible object store. File streams are piped directly into the
// client's streaming put operation; nothing is buffered on disk and only a
// bounded prefix is held in memory for content sniffing.
package s3engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"golang.org/x/sync/errgroup"

	"stow/pkg/storage"
)

// Client is the subset of the storage SDK the engine uses. *minio.Client
// satisfies it; tests substitute a mock.
type Client interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

var _ Client = (*minio.Client)(nil)

// Engine streams multipart file fields into an S3-compatible store.
type Engine struct {
	opts Options
}

var _ storage.Engine = (*Engine)(nil)

// New validates opts and returns an Engine. Validation is synchronous and
// performs no I/O.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.Key == nil {
		opts.Key = randomKey
	}

	return &Engine{opts: opts}, nil
}

// attributes holds the per-file values resolved before the upload starts.
type attributes struct {
	bucket             string
	key                string
	acl                string
	cacheControl       string
	contentDisposition string
	contentEncoding    string
	sse                string
	storageClass       string
	metadata           map[string]string
}

// resolveAttributes runs every configured resolver for the file. The
// resolvers are independent of one another, so they run concurrently and the
// upload waits for all of them.
func (e *Engine) resolveAttributes(ctx context.Context, r *http.Request, file *storage.File) (*attributes, error) {
	var attrs attributes

	g, ctx := errgroup.WithContext(ctx)

	resolve := func(name string, resolver StringResolver, dst *string) {
		if resolver == nil {
			return
		}
		g.Go(func() error {
			v, err := resolver(ctx, r, file)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", name, err)
			}
			*dst = v
			return nil
		})
	}

	resolve("bucket", e.opts.Bucket, &attrs.bucket)
	resolve("key", e.opts.Key, &attrs.key)
	resolve("acl", e.opts.ACL, &attrs.acl)
	resolve("cache-control", e.opts.CacheControl, &attrs.cacheControl)
	resolve("content-disposition", e.opts.ContentDisposition, &attrs.contentDisposition)
	resolve("content-encoding", e.opts.ContentEncoding, &attrs.contentEncoding)
	resolve("server-side-encryption", e.opts.ServerSideEncryption, &attrs.sse)
	resolve("storage-class", e.opts.StorageClass, &attrs.storageClass)

	if e.opts.Metadata != nil {
		g.Go(func() error {
			md, err := e.opts.Metadata(ctx, r, file)
			if err != nil {
				return fmt.Errorf("resolve metadata: %w", err)
			}
			attrs.metadata = md
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if attrs.bucket == "" {
		return nil, fmt.Errorf("resolve bucket: empty bucket name")
	}

	return &attrs, nil
}

// resolveContentType applies the configured content-type mode and returns the
// stream the upload must consume, which replays any bytes the resolver peeked.
func (e *Engine) resolveContentType(ctx context.Context, r *http.Request, file *storage.File, src io.Reader) (string, io.Reader, error) {
	resolver := e.opts.ContentType
	if resolver == nil {
		resolver = declaredContentType
	}

	ct, replacement, err := resolver(ctx, r, file, src)
	if err != nil {
		return "", nil, fmt.Errorf("resolve content type: %w", err)
	}
	if replacement != nil {
		src = replacement
	}
	return ct, src, nil
}

// putOptions maps resolved attributes onto the client's put options.
func (e *Engine) putOptions(attrs *attributes, contentType string) (minio.PutObjectOptions, error) {
	opts := minio.PutObjectOptions{
		ContentType:        contentType,
		CacheControl:       attrs.cacheControl,
		ContentDisposition: attrs.contentDisposition,
		ContentEncoding:    attrs.contentEncoding,
		StorageClass:       attrs.storageClass,
	}

	if len(attrs.metadata) > 0 || attrs.acl != "" {
		opts.UserMetadata = make(map[string]string, len(attrs.metadata)+1)
		for k, v := range attrs.metadata {
			opts.UserMetadata[k] = v
		}
		if attrs.acl != "" {
			// Passed through as the canned ACL header, not object metadata.
			opts.UserMetadata["x-amz-acl"] = attrs.acl
		}
	}

	switch attrs.sse {
	case "":
	case SSEAlgorithmAES256:
		opts.ServerSideEncryption = encrypt.NewSSE()
	case SSEAlgorithmKMS:
		sse, err := encrypt.NewSSEKMS(e.opts.SSEKMSKeyID, nil)
		if err != nil {
			return minio.PutObjectOptions{}, fmt.Errorf("configure sse-kms: %w", err)
		}
		opts.ServerSideEncryption = sse
	default:
		return minio.PutObjectOptions{}, fmt.Errorf("unsupported server-side encryption mode %q", attrs.sse)
	}

	return opts, nil
}

// HandleFile implements storage.Engine. It resolves the content type and the
// remaining attributes, then streams the file into one put per stored object.
// The byte count on the result is accumulated here rather than taken from the
// client, which does not report it for every configuration.
func (e *Engine) HandleFile(ctx context.Context, r *http.Request, file *storage.File) (*storage.FileInfo, error) {
	contentType, src, err := e.resolveContentType(ctx, r, file, file.Stream)
	if err != nil {
		return nil, err
	}

	attrs, err := e.resolveAttributes(ctx, r, file)
	if err != nil {
		return nil, err
	}

	putOpts, err := e.putOptions(attrs, contentType)
	if err != nil {
		return nil, err
	}

	info := &storage.FileInfo{
		Fieldname:            file.Fieldname,
		OriginalName:         file.OriginalName,
		Bucket:               attrs.bucket,
		Key:                  attrs.key,
		ACL:                  attrs.acl,
		ContentType:          contentType,
		CacheControl:         attrs.cacheControl,
		ContentDisposition:   attrs.contentDisposition,
		ContentEncoding:      attrs.contentEncoding,
		StorageClass:         attrs.storageClass,
		ServerSideEncryption: attrs.sse,
		Metadata:             attrs.metadata,
	}

	transform, err := e.shouldTransform(ctx, r, file)
	if err != nil {
		return nil, err
	}

	if transform {
		if err := e.runTransforms(ctx, r, file, src, attrs, putOpts, info); err != nil {
			return nil, err
		}
		return info, nil
	}

	counter := &countingReader{r: src}
	uploaded, err := e.opts.Client.PutObject(ctx, attrs.bucket, attrs.key, counter, -1, putOpts)
	if err != nil {
		return nil, fmt.Errorf("put object %s/%s: %w", attrs.bucket, attrs.key, err)
	}

	info.Location = uploaded.Location
	info.ETag = uploaded.ETag
	info.VersionID = uploaded.VersionID
	info.Size = counter.n

	slog.Debug("Uploaded object", "bucket", attrs.bucket, "key", attrs.key, "size", counter.n, "content_type", contentType)
	return info, nil
}

func (e *Engine) shouldTransform(ctx context.Context, r *http.Request, file *storage.File) (bool, error) {
	if len(e.opts.Transforms) == 0 {
		return false, nil
	}
	if e.opts.ShouldTransform == nil {
		return true, nil
	}
	ok, err := e.opts.ShouldTransform(ctx, r, file)
	if err != nil {
		return false, fmt.Errorf("resolve shouldTransform: %w", err)
	}
	return ok, nil
}

// RemoveFile implements storage.Engine. When the info describes transform
// outputs, each derived object is deleted; otherwise the single flat object
// is.
func (e *Engine) RemoveFile(ctx context.Context, info *storage.FileInfo) error {
	if len(info.Transforms) > 0 {
		for _, t := range info.Transforms {
			if err := e.opts.Client.RemoveObject(ctx, t.Bucket, t.Key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("remove object %s/%s: %w", t.Bucket, t.Key, err)
			}
		}
		// The flat key holds an object only when the original was uploaded
		// alongside the transforms.
		if info.ETag == "" && info.Location == "" {
			return nil
		}
	}

	if err := e.opts.Client.RemoveObject(ctx, info.Bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s/%s: %w", info.Bucket, info.Key, err)
	}
	return nil
}

// countingReader counts bytes as the client consumes them.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
