// Package enrich implements the Enrichment Resolver: attaching
// provenance and ancillary metadata to retrieval hits with at most three
// batched lookups total, regardless of how many hits are being enriched.
// A per-hit query here would turn a top-10 retrieval into a dozen+ round
// trips; grouping by source kind keeps it to one query per kind present in
// the hit set.
package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/satori/internal/model"
)

// ProvenanceLoader fetches provenance records for a batch of article IDs,
// keyed by article_id.
type ProvenanceLoader interface {
	GetProvenanceByArticles(ctx context.Context, articleIDs []string) (map[string][]model.ProvenanceRecord, error)
}

// ScriptMetadata mirrors storage.ScriptMetadata without importing the
// storage package, so this package stays independent of the persistence
// layer's concrete types.
type ScriptMetadata struct {
	Purpose        string
	RequiredInputs []string
}

// ScriptLoader fetches (purpose, required_inputs) for a batch of script IDs.
type ScriptLoader interface {
	GetScriptMetadataBatch(ctx context.Context, scriptIDs []string) (map[string]ScriptMetadata, error)
}

// CaseResolutionDetail mirrors storage.CaseResolutionDetail.
type CaseResolutionDetail struct {
	Subject    string
	Resolution string
	RootCause  string
}

// CaseResolutionLoader fetches (subject, resolution, root_cause) for a batch
// of case IDs.
type CaseResolutionLoader interface {
	GetCaseResolutionDetailsBatch(ctx context.Context, caseIDs []string) (map[string]CaseResolutionDetail, error)
}

// Resolver attaches per-source-kind enrichment data to a hit set.
type Resolver struct {
	provenance      ProvenanceLoader
	scripts         ScriptLoader
	caseResolutions CaseResolutionLoader
}

// New creates an Enrichment Resolver over the three ancillary loaders.
func New(provenance ProvenanceLoader, scripts ScriptLoader, caseResolutions CaseResolutionLoader) *Resolver {
	return &Resolver{provenance: provenance, scripts: scripts, caseResolutions: caseResolutions}
}

// Resolve mutates hits in place, attaching Enriched for every hit whose
// source kind has a matching ancillary table. At most three queries are
// issued total: one per distinct source kind present in hits. The three
// lookups are independent — a failure loading one source kind leaves only
// that kind's hits unenriched and does not affect the other two. Resolve
// returns a combined error when any lookup failed, but callers may treat
// enrichment as always best-effort since the successful kinds are already
// attached by the time it returns.
func (r *Resolver) Resolve(ctx context.Context, hits []model.Hit) error {
	var articleIDs, scriptIDs, caseIDs []string
	for _, h := range hits {
		switch h.Entry.SourceKind {
		case model.SourceArticle:
			articleIDs = append(articleIDs, h.Entry.SourceID)
		case model.SourceScript:
			scriptIDs = append(scriptIDs, h.Entry.SourceID)
		case model.SourceCaseResolution:
			caseIDs = append(caseIDs, h.Entry.SourceID)
		}
	}

	var provByArticle map[string][]model.ProvenanceRecord
	var scriptMeta map[string]ScriptMetadata
	var caseDetail map[string]CaseResolutionDetail
	var errs []error

	if len(articleIDs) > 0 {
		m, err := r.provenance.GetProvenanceByArticles(ctx, articleIDs)
		if err != nil {
			errs = append(errs, fmt.Errorf("enrich: load provenance: %w", err))
		} else {
			provByArticle = m
		}
	}
	if len(scriptIDs) > 0 {
		m, err := r.scripts.GetScriptMetadataBatch(ctx, scriptIDs)
		if err != nil {
			errs = append(errs, fmt.Errorf("enrich: load script metadata: %w", err))
		} else {
			scriptMeta = m
		}
	}
	if len(caseIDs) > 0 {
		m, err := r.caseResolutions.GetCaseResolutionDetailsBatch(ctx, caseIDs)
		if err != nil {
			errs = append(errs, fmt.Errorf("enrich: load case resolution details: %w", err))
		} else {
			caseDetail = m
		}
	}

	for i := range hits {
		h := &hits[i]
		switch h.Entry.SourceKind {
		case model.SourceArticle:
			h.Enriched = enrichFromProvenance(provByArticle[h.Entry.SourceID])
		case model.SourceScript:
			if m, ok := scriptMeta[h.Entry.SourceID]; ok {
				h.Enriched = &model.EnrichedDetail{Purpose: &m.Purpose, RequiredInputs: m.RequiredInputs}
			}
		case model.SourceCaseResolution:
			if d, ok := caseDetail[h.Entry.SourceID]; ok {
				h.Enriched = &model.EnrichedDetail{Subject: &d.Subject, Resolution: &d.Resolution, RootCause: &d.RootCause}
			}
		}
	}

	return errors.Join(errs...)
}

// enrichFromProvenance extracts the linked case/conversation/script IDs
// from an article's three provenance records.
func enrichFromProvenance(records []model.ProvenanceRecord) *model.EnrichedDetail {
	if len(records) == 0 {
		return nil
	}
	d := &model.EnrichedDetail{}
	for _, r := range records {
		id := r.SourceID
		switch r.SourceKind {
		case model.ProvenanceCase:
			d.LinkedCaseID = &id
		case model.ProvenanceConversation:
			d.LinkedConversationID = &id
		case model.ProvenanceScript:
			d.LinkedScriptID = &id
		}
	}
	return d
}
