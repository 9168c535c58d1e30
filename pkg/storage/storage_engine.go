package storage

import (
	"context"
	"io"
	"net/http"
)

// File describes a single file field handed to an Engine by the multipart
// layer: the field's metadata as declared in the request plus a readable
// stream of its content. The stream is consumed exactly once and a File must
// not be retained after HandleFile returns.
type File struct {
	// Fieldname is the multipart form field name.
	Fieldname string

	// OriginalName is the filename supplied by the client, if any.
	OriginalName string

	// Encoding is the Content-Transfer-Encoding declared for the part.
	Encoding string

	// ContentType is the MIME type declared for the part. It may be empty or
	// wrong; engines are free to override it.
	ContentType string

	// Stream is the field's content. It is owned by the caller and remains
	// valid only until HandleFile returns.
	Stream io.Reader
}

// TransformInfo records one stored object produced by a transform stage.
type TransformInfo struct {
	// TransformKey is the configured transform's key, in configured order.
	TransformKey string `json:"transformKey"`

	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
	Location    string `json:"location,omitempty"`
	ETag        string `json:"etag,omitempty"`
	VersionID   string `json:"versionId,omitempty"`
	Size        int64  `json:"size"`
}

// FileInfo is the result of persisting one File. When transforms ran,
// Transforms holds one entry per transform in configured order and the flat
// Location/ETag/Size fields describe no stored object.
type FileInfo struct {
	Fieldname    string `json:"fieldname"`
	OriginalName string `json:"originalName"`

	Bucket               string            `json:"bucket"`
	Key                  string            `json:"key"`
	ACL                  string            `json:"acl,omitempty"`
	ContentType          string            `json:"contentType,omitempty"`
	CacheControl         string            `json:"cacheControl,omitempty"`
	ContentDisposition   string            `json:"contentDisposition,omitempty"`
	ContentEncoding      string            `json:"contentEncoding,omitempty"`
	StorageClass         string            `json:"storageClass,omitempty"`
	ServerSideEncryption string            `json:"serverSideEncryption,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`

	Location  string `json:"location,omitempty"`
	ETag      string `json:"etag,omitempty"`
	VersionID string `json:"versionId,omitempty"`
	Size      int64  `json:"size"`

	Transforms []TransformInfo `json:"transforms,omitempty"`
}

// Engine is the capability contract a multipart handler uses to persist file
// fields, independent of destination.
type Engine interface {
	// HandleFile streams the file's content to the backing store and returns
	// a description of what was stored. It reports each file's outcome
	// exactly once and leaves no open stream or pending I/O behind on error.
	HandleFile(ctx context.Context, r *http.Request, file *File) (*FileInfo, error)

	// RemoveFile deletes the object(s) previously described by info. It is
	// used to roll back partially completed multi-file requests.
	RemoveFile(ctx context.Context, info *FileInfo) error
}
