package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyReviewed is returned when apply_review targets a Learning
// Event whose FinalStatus is already set. The state machine is strict
// pending -> finalized with no reopening.
var ErrAlreadyReviewed = errors.New("storage: learning event already reviewed")

// ErrAlreadyLinked names retrieval logs that already carry a CaseID.
// CaseID stamping is monotonic null -> value; LinkRetrievalLogsToCase does
// not return this error but skips already-linked rows instead.
var ErrAlreadyLinked = errors.New("storage: retrieval logs already linked to a case")
