package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"stow/internal/ledger"
)

// UploadResponse is the JSON body returned by POST /upload.
type UploadResponse struct {
	Files []ledger.Entry `json:"files"`
}

// ListResponse is the JSON body returned by GET /uploads.
type ListResponse struct {
	Uploads []ledger.Entry `json:"uploads"`
}

// ErrorResponse is the JSON body returned for any request error.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode json response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
