package types

import "errors"

// Domain errors for type validation
var (
	ErrInvalidDocumentID = errors.New("document ID is required")
	ErrInvalidStatus     = errors.New("status must be active, archived or deleted")
	ErrEmptyDocument     = errors.New("document must have a title or body")
	ErrInvalidMode       = errors.New("invalid search mode")
	ErrInvalidWeights    = errors.New("weights must be non-negative and not all zero")

	// ErrDocumentNotFound is returned by document stores for unknown ids
	ErrDocumentNotFound = errors.New("document not found")
)
