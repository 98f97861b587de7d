package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cerberus-gate/cerberus/internal/adapter/outbound/sqlite"
	"github.com/cerberus-gate/cerberus/internal/config"
	"github.com/cerberus-gate/cerberus/internal/domain/auth"
	"github.com/cerberus-gate/cerberus/internal/domain/governance"
	"github.com/cerberus-gate/cerberus/internal/domain/policy"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load tenants, workspaces, keys, and policies from a fixture",
	Long: `Load a YAML fixture into the control-plane database.

Raw access keys in the fixture are hashed before insertion; the database
never stores plaintext keys. Existing rows with the same IDs cause the
insert to fail, so seed is for fresh databases and new entities only.

Fixture format:

  tenants:
    - id: t-1
      name: Acme Corp
  workspaces:
    - id: ws-1
      tenant_id: t-1
      name: production
      upstream_url: http://localhost:3000/mcp
      fail_mode: closed
      decision_timeout_ms: 5000
  keys:
    - id: key-1
      key: cg_live_0123456789abcdef
      workspace_id: ws-1
      agent_id: ag-1
      agent_name: support-bot
      argon2id: false
  policies:
    - id: p-1
      tenant_id: t-1
      guardrail_type: rbac
      action: block
      config:
        allowed_tools: [read_article, search_articles]`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "fixture file (required)")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}

// fixture is the YAML schema accepted by the seed command.
type fixture struct {
	Tenants []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenants"`
	Workspaces []struct {
		ID                string `yaml:"id"`
		TenantID          string `yaml:"tenant_id"`
		Name              string `yaml:"name"`
		UpstreamURL       string `yaml:"upstream_url"`
		FailMode          string `yaml:"fail_mode"`
		DecisionTimeoutMS int    `yaml:"decision_timeout_ms"`
	} `yaml:"workspaces"`
	Keys []struct {
		ID          string `yaml:"id"`
		Key         string `yaml:"key"`
		WorkspaceID string `yaml:"workspace_id"`
		AgentID     string `yaml:"agent_id"`
		AgentName   string `yaml:"agent_name"`
		Argon2id    bool   `yaml:"argon2id"`
	} `yaml:"keys"`
	Policies []struct {
		ID            string                 `yaml:"id"`
		TenantID      string                 `yaml:"tenant_id"`
		WorkspaceID   string                 `yaml:"workspace_id"`
		AgentID       string                 `yaml:"agent_id"`
		GuardrailType string                 `yaml:"guardrail_type"`
		Action        string                 `yaml:"action"`
		Priority      int                    `yaml:"priority"`
		Config        map[string]interface{} `yaml:"config"`
	} `yaml:"policies"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	raw, err := os.ReadFile(seedFile)
	if err != nil {
		return fmt.Errorf("failed to read fixture: %w", err)
	}
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("failed to parse fixture: %w", err)
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := sqlite.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	authStore := sqlite.NewAuthStore(db)
	policyStore := sqlite.NewPolicyStore(db)
	now := time.Now().UTC()

	for _, t := range fx.Tenants {
		if err := authStore.InsertTenant(ctx, &auth.Tenant{
			ID: t.ID, Name: t.Name, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}

	for _, ws := range fx.Workspaces {
		if err := authStore.InsertWorkspace(ctx, &auth.Workspace{
			ID:                ws.ID,
			TenantID:          ws.TenantID,
			Name:              ws.Name,
			UpstreamURL:       ws.UpstreamURL,
			FailMode:          ws.FailMode,
			DecisionTimeoutMS: ws.DecisionTimeoutMS,
			CreatedAt:         now,
			UpdatedAt:         now,
		}); err != nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, err)
		}
	}

	for _, k := range fx.Keys {
		hash := auth.HashKey(k.Key)
		if k.Argon2id {
			hash, err = auth.HashKeyArgon2id(k.Key)
			if err != nil {
				return fmt.Errorf("key %s: argon2id hash failed: %w", k.ID, err)
			}
		}
		prefix := k.Key
		if len(prefix) > 10 {
			prefix = prefix[:10]
		}
		if err := authStore.InsertKey(ctx, &auth.AgentAccessKey{
			ID:          k.ID,
			KeyHash:     hash,
			KeyPrefix:   prefix,
			WorkspaceID: k.WorkspaceID,
			AgentID:     k.AgentID,
			AgentName:   k.AgentName,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return fmt.Errorf("key %s: %w", k.ID, err)
		}
	}

	for _, p := range fx.Policies {
		if err := policyStore.InsertPolicy(ctx, &policy.Policy{
			ID:            p.ID,
			TenantID:      p.TenantID,
			WorkspaceID:   p.WorkspaceID,
			AgentID:       p.AgentID,
			GuardrailType: governance.GuardrailType(p.GuardrailType),
			Action:        governance.Action(p.Action),
			Config:        p.Config,
			Priority:      p.Priority,
			Enabled:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}

	fmt.Printf("seeded %d tenants, %d workspaces, %d keys, %d policies into %s\n",
		len(fx.Tenants), len(fx.Workspaces), len(fx.Keys), len(fx.Policies), cfg.Database.Path)
	return nil
}
