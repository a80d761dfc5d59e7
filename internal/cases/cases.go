// Package cases defines the external Case Store port. Conversations and
// cases live in the surrounding support system; satori only needs to read a
// closed case's structured outcome fields back out of whatever system holds
// them. internal/storage/caselite provides a reference implementation.
package cases

import (
	"context"
	"errors"

	"github.com/ashita-ai/satori/internal/model"
)

// ErrCaseNotFound is returned when a case ID has no matching record.
var ErrCaseNotFound = errors.New("cases: case not found")

// Provider resolves a closed case's structured fields for the Self-Learning
// Coordinator, and persists the case record close_case constructs from its
// caller-supplied closure fields before handing off to learn(case_id).
type Provider interface {
	GetResolvedCase(ctx context.Context, caseID string) (model.ResolvedCase, error)
	PutResolvedCase(ctx context.Context, c model.ResolvedCase) error
}
