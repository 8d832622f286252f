package ingest

import (
	"errors"
	"fmt"

	"github.com/kalambet/epubfeed/internal/epub"
	"github.com/kalambet/epubfeed/internal/extract"
	"github.com/kalambet/epubfeed/internal/feed"
)

// Kind classifies a submission failure for callers.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindExtraction Kind = "extraction"
	KindPackaging  Kind = "packaging"
	KindStorage    Kind = "storage"
	KindInternal   Kind = "internal"
)

// ValidationError reports a malformed submission. Nothing is recorded or
// fetched when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RecordError is returned when the request record cannot be created.
type RecordError struct {
	ID  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("request record %s: %v", e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// KindOf maps an error returned by Submit to its Kind. It returns "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		vErr *ValidationError
		xErr *extract.Error
		pErr *epub.Error
		fErr *feed.StorageError
		rErr *RecordError
	)
	switch {
	case errors.As(err, &vErr):
		return KindValidation
	case errors.As(err, &xErr):
		return KindExtraction
	case errors.As(err, &pErr):
		return KindPackaging
	case errors.As(err, &fErr), errors.As(err, &rErr):
		return KindStorage
	}
	return KindInternal
}
