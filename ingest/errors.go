package ingest

import (
	"fmt"
)

// ValidationError means the file was rejected before any network call: wrong
// document type or over the size limit. It is terminal; retrying without
// changing the file cannot succeed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload: %s", e.Reason)
}

// TransferError means a chunk exhausted its retry budget. The session stays
// in the repository, so invoking the upload again for the same file resumes
// from the last confirmed chunk instead of starting over.
type TransferError struct {
	ChunkIndex int
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("chunk %d failed after retries: %s", e.ChunkIndex, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
