package agents

import (
	"context"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// RAGAgent answers from indexed documents by delegating to the query
// executor against the most recently updated READY engine.
type RAGAgent struct {
	decl
	store store.Store
	query contracts.QueryService
}

// NewRAGAgent builds the rag variant.
func NewRAGAgent(d models.Agent, st store.Store, query contracts.QueryService) *RAGAgent {
	return &RAGAgent{decl: decl{d}, store: st, query: query}
}

func (a *RAGAgent) Run(ctx context.Context, in Input) (*Output, error) {
	engine, err := a.pickEngine(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := a.query.Query(ctx, engine.ID, &models.QueryRequest{
		Prompt: in.Prompt,
		ChatID: in.ChatID,
		Model:  in.Model,
	})
	if err != nil {
		return nil, err
	}

	return &Output{
		Text:       resp.Text,
		References: resp.References,

		// The executor already wrote the exchange into the chat.
		appended: in.ChatID != "",
	}, nil
}

// pickEngine selects the freshest READY engine.
func (a *RAGAgent) pickEngine(ctx context.Context) (*models.QueryEngine, error) {
	engines, err := a.store.ListEngines(ctx, "")
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "list engines", err)
	}
	var best *models.QueryEngine
	for i := range engines {
		e := &engines[i]
		if e.State != models.EngineReady {
			continue
		}
		if best == nil || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, faults.New(faults.QueryEngineUnavailable, "no query engine is READY")
	}
	return best, nil
}
