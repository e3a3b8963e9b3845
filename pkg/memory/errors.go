package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrClassificationUnavailable means the reasoning collaborator could not
	// score a message. The pipeline treats the message as not important.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrExtractionParse means the extraction collaborator returned output
	// that failed schema validation. The message is dropped.
	ErrExtractionParse = errors.New("extraction output malformed")

	// ErrReconciliationUnavailable means two conflicting facts could not be
	// merged. The existing fact is kept and the candidate discarded.
	ErrReconciliationUnavailable = errors.New("reconciliation unavailable")

	// ErrPersistence wraps any storage-layer I/O failure. No write is
	// considered applied until persistence confirms.
	ErrPersistence = errors.New("persistence failure")

	// ErrEmbeddingUnavailable means the embedding collaborator failed.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)

func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrPersistence, err))
}
