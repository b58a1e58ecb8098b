package replica

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ContentPath is the root map key holding a document's text.
const ContentPath = "content"

var (
	ErrMalformedDelta = errors.New("malformed delta")
	ErrStaleDelta     = errors.New("delta adds no new changes")
)

// NewDocument returns an empty document with its text object in place. Every replica of a document must
// descend from the same seed, otherwise concurrent text objects would conflict at ContentPath.
func NewDocument() (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.Path(ContentPath).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to seed document: %w", err)
	}
	return doc, nil
}

// Text reads a document's text.
func Text(doc *automerge.Doc) (string, error) {
	return doc.Path(ContentPath).Text().Get()
}

// TextOf loads a saved state and reads its text.
func TextOf(state []byte) (string, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return "", fmt.Errorf("failed to load doc: %w", err)
	}
	return Text(doc)
}

// validateDelta checks that delta loads cleanly on a fork of doc without touching doc itself.
func validateDelta(doc *automerge.Doc, delta []byte) error {
	if len(delta) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedDelta)
	}
	fork, err := doc.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork: %w", err)
	}
	if err := fork.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedDelta, err)
	}
	return nil
}
