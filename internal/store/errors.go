package store

import "errors"

var (
	// ErrNotFound means no record carries the requested link.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyClaimed means the record already has a tagger set. A repeat
	// claim by the same tagger fails too; the first claim set the field.
	ErrAlreadyClaimed = errors.New("record already claimed")
	// ErrConflict means an append would duplicate an existing link.
	ErrConflict = errors.New("duplicate link")
	// ErrInvalidArgument covers empty deltas, out-of-range result codes and
	// missing required fields, rejected before the cache is touched.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable wraps a failed gateway call (reload or write-through).
	ErrUnavailable = errors.New("sheets unavailable")
	// ErrNoneAvailable means the eligible set for a random pick is empty.
	ErrNoneAvailable = errors.New("no unclaimed records available")
	// ErrWorksheetNotFound is returned by gateway implementations when the
	// named worksheet does not exist in the spreadsheet.
	ErrWorksheetNotFound = errors.New("worksheet not found")
)
