package s3engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"stow/pkg/storage"
)

// branch is one concurrent upload fed from the shared source stream: either a
// configured transform or, when UploadOriginal is set, the untransformed
// passthrough.
type branch struct {
	transform *Transform // nil for the original passthrough
	key       string     // storage key for the branch's object
	pr        *io.PipeReader
	pw        *io.PipeWriter
}

// runTransforms fans the source stream out into every transform (plus the
// optional original) and uploads each branch concurrently. The field is not
// settled until every branch has succeeded or failed; the first failure
// cancels the siblings and becomes the field's error. Results keep the
// configured transform order.
func (e *Engine) runTransforms(ctx context.Context, r *http.Request, file *storage.File, src io.Reader, attrs *attributes, putOpts minio.PutObjectOptions, info *storage.FileInfo) error {
	branches := make([]*branch, 0, len(e.opts.Transforms)+1)
	for i := range e.opts.Transforms {
		t := &e.opts.Transforms[i]
		pr, pw := io.Pipe()
		branches = append(branches, &branch{
			transform: t,
			key:       attrs.key + "-" + t.Key,
			pr:        pr,
			pw:        pw,
		})
	}
	if e.opts.UploadOriginal {
		pr, pw := io.Pipe()
		branches = append(branches, &branch{key: attrs.key, pr: pr, pw: pw})
	}

	g, ctx := errgroup.WithContext(ctx)

	// Feeder: copy the source once into every branch. A branch that fails
	// closes its pipe, which fails the MultiWriter copy and in turn tears
	// down every sibling.
	g.Go(func() error {
		writers := make([]io.Writer, len(branches))
		for i, b := range branches {
			writers[i] = b.pw
		}
		_, err := io.Copy(io.MultiWriter(writers...), src)
		for _, b := range branches {
			b.pw.CloseWithError(err)
		}
		if err != nil {
			return fmt.Errorf("feed transform streams: %w", err)
		}
		return nil
	})

	results := make([]storage.TransformInfo, len(e.opts.Transforms))
	for i, b := range branches {
		g.Go(func() error {
			out := io.Reader(b.pr)
			if b.transform != nil {
				transformed, err := b.transform.Fn(ctx, r, file, b.pr)
				if err != nil {
					b.pr.CloseWithError(err)
					return fmt.Errorf("transform %q: %w", b.transform.Key, err)
				}
				out = transformed
			}

			counter := &countingReader{r: out}
			uploaded, err := e.opts.Client.PutObject(ctx, attrs.bucket, b.key, counter, -1, putOpts)
			if err != nil {
				b.pr.CloseWithError(err)
				return fmt.Errorf("put object %s/%s: %w", attrs.bucket, b.key, err)
			}

			// A transform may stop reading before the source is exhausted,
			// e.g. a thumbnailer that only needs a prefix. Drain the
			// remainder so the feeder never blocks writing bytes no branch
			// will read.
			_, _ = io.Copy(io.Discard, b.pr)

			if b.transform == nil {
				info.Location = uploaded.Location
				info.ETag = uploaded.ETag
				info.VersionID = uploaded.VersionID
				info.Size = counter.n
				return nil
			}

			results[i] = storage.TransformInfo{
				TransformKey: b.transform.Key,
				Bucket:       attrs.bucket,
				Key:          b.key,
				ContentType:  putOpts.ContentType,
				Location:     uploaded.Location,
				ETag:         uploaded.ETag,
				VersionID:    uploaded.VersionID,
				Size:         counter.n,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	info.Transforms = results
	slog.Debug("Uploaded transformed objects", "bucket", attrs.bucket, "key", attrs.key, "transforms", len(results))
	return nil
}
