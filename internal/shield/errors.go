package shield

import "errors"

var (
	// ErrFeedNotFound indicates the threat feed file does not exist.
	ErrFeedNotFound = errors.New("shield: threat feed not found")

	// ErrSchemaIncompatible indicates the feed declares a schema version
	// this build does not understand.
	ErrSchemaIncompatible = errors.New("shield: incompatible feed schema")

	// ErrBadDirective indicates a directive line that does not parse.
	ErrBadDirective = errors.New("shield: malformed directive")

	// ErrQueueEmpty indicates no pending approval for the principal.
	ErrQueueEmpty = errors.New("shield: no pending approval")
)
