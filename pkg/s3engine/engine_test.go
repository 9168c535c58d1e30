package s3engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"

	"stow/pkg/storage"
)

// putCall records one PutObject invocation observed by the mock client.
type putCall struct {
	Bucket string
	Key    string
	Data   []byte
	Opts   minio.PutObjectOptions
}

// mockClient implements Client in memory. Branch uploads run concurrently, so
// every method locks.
type mockClient struct {
	mu      sync.Mutex
	puts    []putCall
	removed []string
	failKey string // PutObject for this key fails
}

func (m *mockClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failKey != "" && key == m.failKey {
		return minio.UploadInfo{}, errors.New("simulated upload failure")
	}

	m.puts = append(m.puts, putCall{Bucket: bucket, Key: key, Data: data, Opts: opts})
	return minio.UploadInfo{
		Bucket:   bucket,
		Key:      key,
		ETag:     "mock-etag",
		Location: "mock-location",
		Size:     int64(len(data)),
	}, nil
}

func (m *mockClient) RemoveObject(_ context.Context, bucket, key string, _ minio.RemoveObjectOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, bucket+"/"+key)
	return nil
}

func (m *mockClient) call(t *testing.T, key string) putCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.puts {
		if c.Key == key {
			return c
		}
	}
	t.Fatalf("no PutObject call recorded for key %q", key)
	return putCall{}
}

// pngPayload builds a payload carrying the PNG signature, padded to size.
func pngPayload(t *testing.T, size int) []byte {
	t.Helper()
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	require.Greater(t, size, len(sig), "payload size must exceed the signature")
	return append(sig, bytes.Repeat([]byte{0x00}, size-len(sig))...)
}

func testRequest(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodPost, "/upload", nil)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	client := &mockClient{}

	tests := []struct {
		name string
		opts Options
	}{
		{name: "nil client", opts: Options{Bucket: Fixed("test")}},
		{name: "nil bucket", opts: Options{Client: client}},
		{name: "empty transform key", opts: Options{Client: client, Bucket: Fixed("test"), Transforms: []Transform{{Fn: identityTransform}}}},
		{name: "nil transform func", opts: Options{Client: client, Bucket: Fixed("test"), Transforms: []Transform{{Key: "thumb"}}}},
		{name: "duplicate transform keys", opts: Options{Client: client, Bucket: Fixed("test"), Transforms: []Transform{
			{Key: "thumb", Fn: identityTransform},
			{Key: "thumb", Fn: identityTransform},
		}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts)
			require.Error(t, err, "New should reject the options")
			require.ErrorIs(t, err, ErrInvalidOptions, "validation errors wrap ErrInvalidOptions")
		})
	}
}

func TestNewValidOptions(t *testing.T) {
	t.Parallel()

	engine, err := New(Options{Client: &mockClient{}, Bucket: Fixed("test")})
	require.NoError(t, err, "New error")

	// The engine must satisfy the capability contract.
	var _ storage.Engine = engine
}

func TestHandleFileUploadsPNG(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	engine, err := New(Options{
		Client: client,
		Bucket: Fixed("test"),
		Key:    Fixed("photos/cat.png"),
	})
	require.NoError(t, err, "New error")

	payload := pngPayload(t, 68)
	file := &storage.File{
		Fieldname:    "avatar",
		OriginalName: "cat.png",
		ContentType:  "image/png",
		Stream:       bytes.NewReader(payload),
	}

	info, err := engine.HandleFile(context.Background(), testRequest(t), file)
	require.NoError(t, err, "HandleFile error")

	require.Equal(t, "test", info.Bucket, "bucket")
	require.Equal(t, "photos/cat.png", info.Key, "key")
	require.Equal(t, int64(68), info.Size, "size")
	require.Equal(t, "mock-etag", info.ETag, "etag")
	require.Equal(t, "mock-location", info.Location, "location")
	require.Equal(t, "image/png", info.ContentType, "content type")
	require.Empty(t, info.ServerSideEncryption, "sse must be omitted when not configured")
	require.Nil(t, info.Transforms, "no transforms configured")

	call := client.call(t, "photos/cat.png")
	require.Equal(t, payload, call.Data, "uploaded bytes")
	require.Equal(t, "image/png", call.Opts.ContentType, "put content type")
}

func TestHandleFileDefaultKey(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	engine, err := New(Options{Client: client, Bucket: Fixed("test")})
	require.NoError(t, err, "New error")

	file := &storage.File{
		Fieldname:    "doc",
		OriginalName: "report.pdf",
		Stream:       strings.NewReader("not really a pdf"),
	}

	info, err := engine.HandleFile(context.Background(), testRequest(t), file)
	require.NoError(t, err, "HandleFile error")

	require.NotEmpty(t, info.Key, "a random key must be generated")
	require.True(t, strings.HasSuffix(info.Key, ".pdf"), "generated key keeps the original extension: %q", info.Key)

	// A second upload of the same file must get a distinct key.
	file.Stream = strings.NewReader("not really a pdf")
	other, err := engine.HandleFile(context.Background(), testRequest(t), file)
	require.NoError(t, err, "second HandleFile error")
	require.NotEqual(t, info.Key, other.Key, "generated keys must differ")
}

func TestHandleFileServerSideEncryption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode string
	}{
		{name: "sse-s3", mode: "AES256"},
		{name: "sse-kms", mode: "aws:kms"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := &mockClient{}
			engine, err := New(Options{
				Client:               client,
				Bucket:               Fixed("test"),
				Key:                  Fixed("enc.bin"),
				ServerSideEncryption: Fixed(tc.mode),
			})
			require.NoError(t, err, "New error")

			file := &storage.File{Fieldname: "f", Stream: strings.NewReader("secret")}
			info, err := engine.HandleFile(context.Background(), testRequest(t), file)
			require.NoError(t, err, "HandleFile error")

			require.Equal(t, tc.mode, info.ServerSideEncryption, "resolved sse mode")
			require.NotNil(t, client.call(t, "enc.bin").Opts.ServerSideEncryption, "put options must carry sse config")
		})
	}
}

func TestHandleFileRejectsUnknownSSEMode(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	engine, err := New(Options{
		Client:               client,
		Bucket:               Fixed("test"),
		ServerSideEncryption: Fixed("rot13"),
	})
	require.NoError(t, err, "New error")

	file := &storage.File{Fieldname: "f", Stream: strings.NewReader("data")}
	_, err = engine.HandleFile(context.Background(), testRequest(t), file)
	require.Error(t, err, "unknown sse mode must fail the file")
	require.Empty(t, client.puts, "no upload may start")
}

func TestHandleFileResolverFailureAbortsUpload(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	boom := errors.New("key resolution failed")
	engine, err := New(Options{
		Client: client,
		Bucket: Fixed("test"),
		Key: func(context.Context, *http.Request, *storage.File) (string, error) {
			return "", boom
		},
	})
	require.NoError(t, err, "New error")

	file := &storage.File{Fieldname: "f", Stream: strings.NewReader("data")}
	_, err = engine.HandleFile(context.Background(), testRequest(t), file)
	require.ErrorIs(t, err, boom, "resolver error must surface")
	require.Empty(t, client.puts, "no upload may start after a resolver failure")
}

func TestHandleFileSourceErrorFailsUpload(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	engine, err := New(Options{Client: client, Bucket: Fixed("test"), Key: Fixed("broken.bin")})
	require.NoError(t, err, "New error")

	boom := errors.New("connection reset")
	file := &storage.File{
		Fieldname: "f",
		Stream:    io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom)),
	}

	_, err = engine.HandleFile(context.Background(), testRequest(t), file)
	require.ErrorIs(t, err, boom, "stream error must surface as the field error")
	require.Empty(t, client.puts, "no object may be recorded for a broken stream")
}

func TestHandleFileMetadataAndACL(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	engine, err := New(Options{
		Client:       client,
		Bucket:       Fixed("test"),
		Key:          Fixed("tagged.txt"),
		ACL:          Fixed("public-read"),
		Metadata:     FixedMetadata(map[string]string{"owner": "qa"}),
		CacheControl: Fixed("max-age=300"),
	})
	require.NoError(t, err, "New error")

	file := &storage.File{Fieldname: "f", Stream: strings.NewReader("tagged")}
	info, err := engine.HandleFile(context.Background(), testRequest(t), file)
	require.NoError(t, err, "HandleFile error")

	require.Equal(t, "public-read", info.ACL, "acl on result")
	require.Equal(t, map[string]string{"owner": "qa"}, info.Metadata, "metadata on result")
	require.Equal(t, "max-age=300", info.CacheControl, "cache control on result")

	opts := client.call(t, "tagged.txt").Opts
	require.Equal(t, "qa", opts.UserMetadata["owner"], "user metadata forwarded to the client")
	require.Equal(t, "public-read", opts.UserMetadata["x-amz-acl"], "acl forwarded as canned acl header")
	require.Equal(t, "max-age=300", opts.CacheControl, "cache control forwarded")
}

func TestRemoveFileFlatObject(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	engine, err := New(Options{Client: client, Bucket: Fixed("test")})
	require.NoError(t, err, "New error")

	err = engine.RemoveFile(context.Background(), &storage.FileInfo{Bucket: "test", Key: "stale.png", ETag: "mock-etag"})
	require.NoError(t, err, "RemoveFile error")
	require.Equal(t, []string{"test/stale.png"}, client.removed, "removed objects")
}

func identityTransform(_ context.Context, _ *http.Request, _ *storage.File, src io.Reader) (io.Reader, error) {
	return src, nil
}
