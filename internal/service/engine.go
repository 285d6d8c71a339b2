// Package service provides the business logic for the transcode queue,
// the worker protocol, downloads and settings.
package service

import (
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/storage"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
)

// TranscodeEngine is the part of the local transcode engine the services use.
// *transcode.Engine implements it.
type TranscodeEngine interface {
	Lookup(cacheKey string) *transcode.Session
	Subscribe(s *transcode.Session, sink transcode.Sink, filename string) (*transcode.Subscription, error)
	Adopt(cacheKey, outputName string) (*transcode.Session, error)
	Cancel(cacheKey string) error
	Evict(cacheKey, outputName string) bool
	// Cache returns nil until the engine is initialized.
	Cache() *storage.Sandbox
}

var _ TranscodeEngine = (*transcode.Engine)(nil)
