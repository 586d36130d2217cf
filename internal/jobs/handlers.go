package jobs

import (
	"context"
	"fmt"

	"github.com/flydesk/flydesk/internal/knowledge"
	"github.com/flydesk/flydesk/internal/models"
)

// JobTypeIndexing reindexes one knowledge document.
const JobTypeIndexing = "indexing"

// JobTypeProcessDiscovery scans the service catalog for multi-endpoint
// business processes.
const JobTypeProcessDiscovery = "process_discovery"

// JobTypeSourceSync pulls a batch of external documents into the knowledge
// base and indexes each one.
const JobTypeSourceSync = "source_sync"

// documentGetter is the subset of store.DocumentRepo the handlers need.
type documentGetter interface {
	Get(ctx context.Context, id string) (*models.KnowledgeDocument, error)
	Create(ctx context.Context, d *models.KnowledgeDocument) error
}

// endpointLister is the subset of store.CatalogRepo process discovery needs.
type endpointLister interface {
	ListEnabledEndpoints(ctx context.Context) ([]*models.ServiceEndpoint, error)
}

// NewIndexingHandler builds the single-document indexing handler.
func NewIndexingHandler(docs documentGetter, indexer *knowledge.Indexer) Handler {
	return HandlerFunc(func(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
		docID, _ := payload["document_id"].(string)
		if docID == "" {
			return nil, fmt.Errorf("indexing job missing document_id")
		}
		progress(0, "loading document")
		doc, err := docs.Get(ctx, docID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, fmt.Errorf("document %s not found", docID)
		}
		progress(20, "chunking and embedding")
		if err := indexer.Index(ctx, doc); err != nil {
			return nil, err
		}
		progress(100, "indexed")
		return map[string]any{"document_id": docID}, nil
	})
}

// NewProcessDiscoveryHandler builds the catalog process-discovery handler:
// it groups enabled endpoints by system and surfaces write-capable chains
// as candidate processes.
func NewProcessDiscoveryHandler(catalog endpointLister) Handler {
	return HandlerFunc(func(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
		progress(0, "listing endpoints")
		endpoints, err := catalog.ListEnabledEndpoints(ctx)
		if err != nil {
			return nil, err
		}
		progress(50, "grouping by system")
		bySystem := map[string][]map[string]any{}
		for _, ep := range endpoints {
			bySystem[ep.SystemID] = append(bySystem[ep.SystemID], map[string]any{
				"name":       ep.Name,
				"method":     string(ep.Method),
				"risk_level": string(ep.RiskLevel),
			})
		}
		processes := make([]map[string]any, 0, len(bySystem))
		for systemID, eps := range bySystem {
			writes := 0
			for _, ep := range eps {
				if ep["method"] != "GET" {
					writes++
				}
			}
			processes = append(processes, map[string]any{
				"system_id":       systemID,
				"endpoint_count":  len(eps),
				"write_endpoints": writes,
				"endpoints":       eps,
			})
		}
		progress(100, "done")
		return map[string]any{"processes": processes}, nil
	})
}

// NewSourceSyncHandler builds the external-source sync handler. The payload
// carries pre-fetched documents as [{title, content, type, tags}];
// fetching and format extraction happen upstream.
func NewSourceSyncHandler(docs documentGetter, indexer *knowledge.Indexer) Handler {
	return HandlerFunc(func(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
		raw, _ := payload["documents"].([]any)
		if len(raw) == 0 {
			progress(100, "nothing to sync")
			return map[string]any{"synced": 0}, nil
		}
		synced := 0
		for i, entry := range raw {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			title, _ := fields["title"].(string)
			content, _ := fields["content"].(string)
			if title == "" || content == "" {
				continue
			}
			doc := &models.KnowledgeDocument{
				Title:   title,
				Content: content,
				Status:  models.DocumentDraft,
			}
			if t, ok := fields["type"].(string); ok {
				doc.Type = t
			}
			if rawTags, ok := fields["tags"].([]any); ok {
				for _, tag := range rawTags {
					if s, ok := tag.(string); ok {
						doc.Tags = append(doc.Tags, s)
					}
				}
			}
			if err := docs.Create(ctx, doc); err != nil {
				return nil, fmt.Errorf("create synced document %q: %w", title, err)
			}
			if err := indexer.Index(ctx, doc); err != nil {
				return nil, fmt.Errorf("index synced document %q: %w", title, err)
			}
			synced++
			progress((i+1)*100/len(raw), fmt.Sprintf("synced %d/%d", i+1, len(raw)))
		}
		return map[string]any{"synced": synced}, nil
	})
}
