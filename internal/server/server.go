// Package server exposes the stow engine over HTTP: it parses multipart
// upload requests, streams each file field through the configured storage
// engine, records the results in the ledger, and rolls back already-stored
// files when a later field fails.
package server

import (
	"errors"

	"stow/internal/ledger"
	"stow/pkg/storage"
)

// Config holds configuration for the upload server.
type Config struct {
	// Engine persists uploaded file fields.
	Engine storage.Engine

	// Ledger records completed uploads.
	Ledger *ledger.Ledger

	// Username and Password enable HTTP basic auth when Username is
	// non-empty.
	Username string
	Password string
}

// Server handles multipart upload requests on top of a storage engine.
type Server struct {
	cfg Config
}

// NewServer validates cfg and returns a new Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("Engine must not be nil")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("Ledger must not be nil")
	}

	return &Server{cfg: cfg}, nil
}
