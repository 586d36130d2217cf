// Package main is the flydesk-seed CLI: load (or remove) a named domain's
// starter catalog and knowledge content.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flydesk/flydesk/internal/config"
	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/store"
)

func main() {
	var remove bool

	root := &cobra.Command{
		Use:           "flydesk-seed <domain>",
		Short:         "Seed starter catalog and knowledge content for a domain",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := args[0]
			seed, ok := domains[domain]
			if !ok {
				return fmt.Errorf("unknown domain %q (available: itsm, crm)", domain)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dbCfg := store.DefaultConfig()
			dbCfg.DSN = cfg.Database.URL
			db, err := store.Open(dbCfg)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()
			if err := db.Migrate(ctx); err != nil {
				return err
			}

			if remove {
				return removeSeed(ctx, db, seed)
			}
			return applySeed(ctx, db, seed)
		},
	}
	root.Flags().BoolVar(&remove, "remove", false, "remove the domain's seed data instead of creating it")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// domainSeed is one domain's starter content. System and document IDs are
// fixed so --remove can find them.
type domainSeed struct {
	systems   []models.ExternalSystem
	endpoints []models.ServiceEndpoint
	documents []models.KnowledgeDocument
}

var domains = map[string]domainSeed{
	"itsm": {
		systems: []models.ExternalSystem{{
			ID:         "seed-itsm-desk",
			BaseURL:    "https://servicedesk.example.com/api",
			AuthConfig: models.AuthConfig{Type: models.AuthBearer},
			Tags:       []string{"itsm"},
		}},
		endpoints: []models.ServiceEndpoint{
			{
				ID: "seed-itsm-list-tickets", SystemID: "seed-itsm-desk",
				Name: "list_tickets", Method: models.MethodGet, Path: "/tickets",
				RiskLevel: models.RiskRead, RequiredPermissions: []string{"tickets:read"},
				WhenToUse:   "Look up open service-desk tickets, optionally filtered by requester.",
				QueryParams: []string{"requester", "status"},
			},
			{
				ID: "seed-itsm-create-ticket", SystemID: "seed-itsm-desk",
				Name: "create_ticket", Method: models.MethodPost, Path: "/tickets",
				RiskLevel: models.RiskLowWrite, RequiredPermissions: []string{"tickets:write"},
				WhenToUse: "Open a new service-desk ticket on the user's behalf.",
			},
			{
				ID: "seed-itsm-close-ticket", SystemID: "seed-itsm-desk",
				Name: "close_ticket", Method: models.MethodDelete, Path: "/tickets/{id}",
				RiskLevel: models.RiskHighWrite, RequiredPermissions: []string{"tickets:write"},
				WhenToUse:  "Close a resolved ticket. Requires confirmation.",
				PathParams: []string{"id"},
			},
		},
		documents: []models.KnowledgeDocument{{
			ID:      "seed-itsm-runbook",
			Title:   "Service desk escalation runbook",
			Content: "Escalate P1 incidents to the on-call engineer immediately. P2 incidents escalate after 30 minutes without acknowledgement.",
			Type:    "runbook",
			Status:  models.DocumentDraft,
			Tags:    []string{"itsm"},
		}},
	},
	"crm": {
		systems: []models.ExternalSystem{{
			ID:         "seed-crm-core",
			BaseURL:    "https://crm.example.com/v2",
			AuthConfig: models.AuthConfig{Type: models.AuthAPIKey, HeaderName: "X-Api-Key"},
			Tags:       []string{"crm"},
		}},
		endpoints: []models.ServiceEndpoint{
			{
				ID: "seed-crm-search-customers", SystemID: "seed-crm-core",
				Name: "search_customers", Method: models.MethodGet, Path: "/customers",
				RiskLevel: models.RiskRead, RequiredPermissions: []string{"customers:read"},
				WhenToUse:   "Find customer records by name or email.",
				QueryParams: []string{"q"},
			},
			{
				ID: "seed-crm-delete-customer", SystemID: "seed-crm-core",
				Name: "delete_customer", Method: models.MethodDelete, Path: "/customers/{id}",
				RiskLevel: models.RiskDestructive, RequiredPermissions: []string{"customers:admin"},
				WhenToUse:  "Permanently delete a customer record. Requires confirmation.",
				PathParams: []string{"id"},
			},
		},
		documents: []models.KnowledgeDocument{{
			ID:      "seed-crm-retention",
			Title:   "Customer data retention policy",
			Content: "Customer records are retained for seven years after contract end. Deletion requests from data subjects are processed within 30 days.",
			Type:    "policy",
			Status:  models.DocumentDraft,
			Tags:    []string{"crm"},
		}},
	},
}

func applySeed(ctx context.Context, db *store.DB, seed domainSeed) error {
	catalog := store.NewCatalogRepo(db)
	documents := store.NewDocumentRepo(db)

	for i := range seed.systems {
		if err := catalog.CreateSystem(ctx, &seed.systems[i]); err != nil {
			return err
		}
	}
	for i := range seed.endpoints {
		if err := catalog.CreateEndpoint(ctx, &seed.endpoints[i]); err != nil {
			return err
		}
	}
	for i := range seed.documents {
		if err := documents.Create(ctx, &seed.documents[i]); err != nil {
			return err
		}
	}
	fmt.Printf("seeded %d systems, %d endpoints, %d documents\n",
		len(seed.systems), len(seed.endpoints), len(seed.documents))
	return nil
}

func removeSeed(ctx context.Context, db *store.DB, seed domainSeed) error {
	catalog := store.NewCatalogRepo(db)
	documents := store.NewDocumentRepo(db)

	for _, s := range seed.systems {
		if err := catalog.DeleteSystem(ctx, s.ID); err != nil {
			return err
		}
	}
	for _, d := range seed.documents {
		if err := documents.Delete(ctx, d.ID); err != nil {
			return err
		}
	}
	fmt.Println("seed data removed")
	return nil
}
