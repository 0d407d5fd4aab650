package domain

import "errors"

var (
	// ErrMissingID is returned for records without an identifier.
	ErrMissingID = errors.New("record id is required")
	// ErrUnknownKind is returned when a record carries an unsupported kind.
	ErrUnknownKind    = errors.New("unknown record kind")
	ErrMissingPayload = errors.New("record payload is required")
	// ErrNotFound indicates the referenced record is absent from the collection.
	ErrNotFound     = errors.New("record not found")
	ErrNotSprayTask = errors.New("record is not a spray task")
)
