// Command example uploads a local file through the stow engine directly,
// without the HTTP server: content type is sniffed from the file's bytes and
// a gzip-compressed copy is stored alongside the original.
package main

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"stow/pkg/s3engine"
	"stow/pkg/storage"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const bucketName = "example-bucket"

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
	}
	return nil
}

// gzipTransform compresses the stream on the fly.
func gzipTransform(_ context.Context, _ *http.Request, _ *storage.File, src io.Reader) (io.Reader, error) {
	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		if _, err := io.Copy(gz, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(gz.Close())
	}()
	return pr, nil
}

func Run(ctx context.Context, path string) error {
	client, err := minio.New(getenv("STOW_S3_ENDPOINT", "localhost:9000"), &minio.Options{
		Creds: credentials.NewStaticV4(
			getenv("STOW_S3_ACCESS_KEY", "minioadmin"),
			getenv("STOW_S3_SECRET_KEY", "minioadmin"),
			"",
		),
		Secure: false,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	if err := EnsureBucket(ctx, client, bucketName); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	engine, err := s3engine.New(s3engine.Options{
		Client:         client,
		Bucket:         s3engine.Fixed(bucketName),
		ContentType:    s3engine.AutoContentType,
		UploadOriginal: true,
		Transforms: []s3engine.Transform{
			{Key: "gz", Fn: gzipTransform},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create storage engine: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	info, err := engine.HandleFile(ctx, nil, &storage.File{
		Fieldname:    "file",
		OriginalName: filepath.Base(path),
		Stream:       f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %q: %w", path, err)
	}

	slog.Info("Uploaded original", "bucket", info.Bucket, "key", info.Key, "content_type", info.ContentType, "size", info.Size, "etag", info.ETag)
	for _, tr := range info.Transforms {
		slog.Info("Uploaded transform", "transform", tr.TransformKey, "key", tr.Key, "size", tr.Size, "etag", tr.ETag)
	}

	return nil
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file>\n", os.Args[0])
		os.Exit(1)
	}

	if err := Run(context.Background(), os.Args[1]); err != nil {
		slog.Error("example exited with error", "error", err)
		os.Exit(1)
	}
}
