package ops

import (
	"context"

	"github.com/nodalync/nodalync/internal/store"
)

// L1Summary is the mention/topic/summary view of an L0 artifact produced
// by an entity-extraction graph subsystem external to this module.
type L1Summary struct {
	MentionCount    int
	Topics          []string
	PreviewMentions []string
	Summary         string
}

// Extractor is the entity-extraction collaborator consumed by Preview
// when a manifest has no stored L1 summary of its own. The core never
// implements NLP extraction itself; it only defines the shape it needs
// back.
type Extractor interface {
	Summarize(ctx context.Context, content []byte, manifest *store.Manifest) (L1Summary, error)
}

// NoExtractor is the zero-value Extractor used when no real extraction
// collaborator is configured: every preview falls back to an empty
// summary rather than failing the request.
type NoExtractor struct{}

func (NoExtractor) Summarize(context.Context, []byte, *store.Manifest) (L1Summary, error) {
	return L1Summary{}, nil
}
