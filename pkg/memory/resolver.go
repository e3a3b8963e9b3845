package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resolver decides how a candidate fact lands in the fact sheet: direct
// insert, discard as duplicate, or LLM-assisted reconciliation with the
// existing fact for the topic.
//
// Two facts conflict when they share a normalized topic, or when their
// contents overlap above entityOverlapThreshold while naming a common
// entity. Content identity is judged by normalized-string equality first
// and token-Jaccard similarity second, so the reconciler is only invoked
// for materially different content.
type Resolver struct {
	reasoner Reasoner

	// identicalThreshold: contents at or above this Jaccard similarity are
	// treated as the same statement (NoOp). 0.82 keeps rephrasings from
	// piling up as duplicates while letting genuine updates through; see
	// DESIGN.md for the calibration notes.
	identicalThreshold float64

	// entityOverlapThreshold governs cross-topic conflict detection.
	entityOverlapThreshold float64
}

func NewResolver(reasoner Reasoner, identicalThreshold float64) *Resolver {
	if identicalThreshold <= 0 || identicalThreshold > 1 {
		identicalThreshold = 0.82
	}
	return &Resolver{
		reasoner:               reasoner,
		identicalThreshold:     identicalThreshold,
		entityOverlapThreshold: 0.6,
	}
}

// Resolve compares a candidate against the current sheet snapshot.
// If reconciliation is needed but the collaborator is unavailable, the
// error wraps ErrReconciliationUnavailable and the caller must keep the
// existing fact and discard the candidate.
func (r *Resolver) Resolve(ctx context.Context, cand FactCandidate, sheet FactSheetSnapshot) (Resolution, error) {
	incoming := Fact{
		Topic:      cand.Topic,
		Content:    cand.Content,
		Entities:   cand.Entities,
		Category:   cand.Category,
		Confidence: cand.Confidence,
		SourceTurn: cand.SourceTurn,
	}

	existing, ok := sheet.Find(cand.Topic)
	if !ok {
		existing, ok = r.findOverlapping(cand, sheet)
	}
	if !ok {
		return Resolution{Kind: ResolutionInsert, Fact: incoming}, nil
	}

	// Merge key is the established topic even when the conflict was found
	// through entity overlap.
	incoming.Topic = existing.Topic

	if NormalizeContent(existing.Content) == NormalizeContent(incoming.Content) {
		return Resolution{Kind: ResolutionNoOp}, nil
	}
	if textTokenJaccard(NormalizeContent(existing.Content), NormalizeContent(incoming.Content)) >= r.identicalThreshold {
		return Resolution{Kind: ResolutionNoOp}, nil
	}

	merged, err := r.reconcile(ctx, existing, incoming)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Kind: ResolutionReconcile, Fact: merged}, nil
}

func (r *Resolver) reconcile(ctx context.Context, existing, incoming Fact) (Fact, error) {
	merged, err := r.reasoner.Reconcile(ctx, existing, incoming)
	if err != nil {
		return Fact{}, fmt.Errorf("reconcile %q: %w", existing.Topic, errors.Join(ErrReconciliationUnavailable, err))
	}

	// Reconciler output is untrusted free-form data; validate it exactly
	// like extraction output.
	if merged.Category == "" {
		merged.Category = existing.Category
	}
	if err := validateMergedFact(merged); err != nil {
		return Fact{}, fmt.Errorf("reconcile %q: %w", existing.Topic, errors.Join(ErrReconciliationUnavailable, err))
	}

	merged.Topic = existing.Topic
	merged.CreatedAt = existing.CreatedAt
	merged.UpdatedAt = time.Now()
	if merged.SourceTurn == 0 {
		merged.SourceTurn = incoming.SourceTurn
	}
	merged.Entities = mergeEntities(existing.Entities, incoming.Entities, merged.Entities)

	// Confidence floors at the stronger input unless the reconciler lowered
	// it explicitly.
	floor := existing.Confidence
	if incoming.Confidence > floor {
		floor = incoming.Confidence
	}
	if merged.Confidence == 0 || merged.Confidence > floor {
		merged.Confidence = floor
	}
	return merged, nil
}

// findOverlapping scans the sheet for a fact whose content overlaps the
// candidate strongly and shares at least one entity. Catches contradictions
// filed under a differently-worded topic.
func (r *Resolver) findOverlapping(cand FactCandidate, sheet FactSheetSnapshot) (Fact, bool) {
	if len(cand.Entities) == 0 {
		return Fact{}, false
	}
	candEntities := map[string]struct{}{}
	for _, e := range cand.Entities {
		candEntities[NormalizeContent(e)] = struct{}{}
	}
	for _, f := range sheet.Facts {
		shared := false
		for _, e := range f.Entities {
			if _, ok := candEntities[NormalizeContent(e)]; ok {
				shared = true
				break
			}
		}
		if !shared {
			continue
		}
		if textTokenJaccard(NormalizeContent(f.Content), NormalizeContent(cand.Content)) >= r.entityOverlapThreshold {
			return f, true
		}
	}
	return Fact{}, false
}

func mergeEntities(groups ...[]string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, group := range groups {
		for _, e := range group {
			key := NormalizeContent(e)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, e)
		}
	}
	if len(out) > maxEntitiesPerFact {
		out = out[:maxEntitiesPerFact]
	}
	return out
}
