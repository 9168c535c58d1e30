package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"stow/internal/ledger"
	"stow/internal/ui"
	"stow/pkg/storage"
)

// handleUpload streams every file field of a multipart request through the
// engine, in the order the fields appear in the body. If any field fails,
// files already stored for this request are removed again before the error is
// reported.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data request")
		return
	}

	var stored []ledger.Entry

	rollback := func() {
		for _, entry := range stored {
			if err := s.cfg.Engine.RemoveFile(ctx, &entry.FileInfo); err != nil {
				slog.Error("rollback upload", "bucket", entry.Bucket, "key", entry.Key, "err", err)
			}
			if err := s.cfg.Ledger.Delete(ctx, entry.ID); err != nil {
				slog.Error("rollback ledger entry", "id", entry.ID, "err", err)
			}
		}
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rollback()
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		// Non-file value fields are not persisted.
		if part.FileName() == "" {
			continue
		}

		file := &storage.File{
			Fieldname:    part.FormName(),
			OriginalName: part.FileName(),
			Encoding:     part.Header.Get("Content-Transfer-Encoding"),
			ContentType:  part.Header.Get("Content-Type"),
			Stream:       part,
		}

		info, err := s.cfg.Engine.HandleFile(ctx, r, file)
		if err != nil {
			slog.Error("handle file", "fieldname", file.Fieldname, "filename", file.OriginalName, "err", err)
			rollback()
			writeError(w, http.StatusInternalServerError, "storing file "+file.OriginalName+" failed")
			return
		}

		id, err := s.cfg.Ledger.Record(ctx, info)
		if err != nil {
			slog.Error("record upload", "bucket", info.Bucket, "key", info.Key, "err", err)
			if rmErr := s.cfg.Engine.RemoveFile(ctx, info); rmErr != nil {
				slog.Error("rollback upload", "bucket", info.Bucket, "key", info.Key, "err", rmErr)
			}
			rollback()
			writeError(w, http.StatusInternalServerError, "recording upload failed")
			return
		}

		stored = append(stored, ledger.Entry{ID: id, FileInfo: *info})
	}

	if len(stored) == 0 {
		writeError(w, http.StatusBadRequest, "no file fields in request")
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{Files: stored})
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Ledger.List(r.Context())
	if err != nil {
		slog.Error("list uploads", "err", err)
		writeError(w, http.StatusInternalServerError, "listing uploads failed")
		return
	}

	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Uploads: entries})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return
	}

	entry, err := s.cfg.Ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	if err != nil {
		slog.Error("lookup upload", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "looking up upload failed")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// handleDeleteUpload removes the stored object(s) and the ledger entry.
func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return
	}

	entry, err := s.cfg.Ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	if err != nil {
		slog.Error("lookup upload", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "looking up upload failed")
		return
	}

	if err := s.cfg.Engine.RemoveFile(ctx, &entry.FileInfo); err != nil {
		slog.Error("remove file", "bucket", entry.Bucket, "key", entry.Key, "err", err)
		writeError(w, http.StatusInternalServerError, "removing stored object failed")
		return
	}

	if err := s.cfg.Ledger.Delete(ctx, id); err != nil {
		slog.Error("delete ledger entry", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "deleting ledger entry failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHome renders the uploads page.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := s.cfg.Ledger.List(ctx)
	if err != nil {
		slog.Error("list uploads", "err", err)
		http.Error(w, "listing uploads failed", http.StatusInternalServerError)
		return
	}

	uploads := make([]ui.Upload, 0, len(entries))
	for _, e := range entries {
		uploads = append(uploads, ui.Upload{
			ID:           e.ID,
			OriginalName: e.OriginalName,
			Bucket:       e.Bucket,
			Key:          e.Key,
			ContentType:  e.ContentType,
			Size:         e.Size,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
			Transforms:   len(e.Transforms),
		})
	}

	if err := ui.UploadsPage(uploads).Render(ctx, w); err != nil {
		slog.Error("render uploads page", "err", err)
	}
}
