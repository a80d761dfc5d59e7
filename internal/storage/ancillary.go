package storage

import (
	"context"
	"fmt"
)

// ScriptMetadata is the ancillary (purpose, required_inputs) pair the
// Enrichment Resolver attaches to SCRIPT hits.
type ScriptMetadata struct {
	Purpose        string
	RequiredInputs []string
}

// GetScriptMetadataBatch batch-loads script metadata by script_id for the
// Enrichment Resolver's SCRIPT loader. Missing IDs are simply absent from
// the returned map.
func (db *DB) GetScriptMetadataBatch(ctx context.Context, scriptIDs []string) (map[string]ScriptMetadata, error) {
	if len(scriptIDs) == 0 {
		return map[string]ScriptMetadata{}, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT script_id, purpose, required_inputs FROM scripts WHERE script_id = ANY($1)`, scriptIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get script metadata batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ScriptMetadata, len(scriptIDs))
	for rows.Next() {
		var id string
		var m ScriptMetadata
		if err := rows.Scan(&id, &m.Purpose, &m.RequiredInputs); err != nil {
			return nil, fmt.Errorf("storage: scan script metadata: %w", err)
		}
		out[id] = m
	}
	return out, rows.Err()
}

// CaseResolutionDetail is the ancillary (subject, resolution, root_cause)
// triple the Enrichment Resolver attaches to CASE_RESOLUTION hits.
type CaseResolutionDetail struct {
	Subject    string
	Resolution string
	RootCause  string
}

// GetCaseResolutionDetailsBatch batch-loads case resolution detail by
// case_id for the Enrichment Resolver's CASE_RESOLUTION loader.
func (db *DB) GetCaseResolutionDetailsBatch(ctx context.Context, caseIDs []string) (map[string]CaseResolutionDetail, error) {
	if len(caseIDs) == 0 {
		return map[string]CaseResolutionDetail{}, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT case_id, subject, resolution, root_cause FROM case_resolution_details WHERE case_id = ANY($1)`, caseIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get case resolution details batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CaseResolutionDetail, len(caseIDs))
	for rows.Next() {
		var id string
		var d CaseResolutionDetail
		if err := rows.Scan(&id, &d.Subject, &d.Resolution, &d.RootCause); err != nil {
			return nil, fmt.Errorf("storage: scan case resolution detail: %w", err)
		}
		out[id] = d
	}
	return out, rows.Err()
}

// PutCaseResolutionDetail upserts the ancillary detail for a CASE_RESOLUTION
// corpus entry, used when a closed case is promoted into the corpus as a
// CONFIRMED learning event (no draft, but the corpus entry's ancillary row
// still needs to exist for future enrichment).
func (db *DB) PutCaseResolutionDetail(ctx context.Context, caseID string, d CaseResolutionDetail) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO case_resolution_details (case_id, subject, resolution, root_cause)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (case_id) DO UPDATE SET subject = excluded.subject, resolution = excluded.resolution, root_cause = excluded.root_cause`,
		caseID, d.Subject, d.Resolution, d.RootCause,
	)
	if err != nil {
		return fmt.Errorf("storage: put case resolution detail: %w", err)
	}
	return nil
}
