package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"faz/internal/agent"
	"faz/internal/app"
	"faz/internal/config"
	"faz/internal/db"
	"faz/internal/domain"
	"faz/internal/engine"
	"faz/internal/migrate"
	"faz/internal/repo"
	"faz/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "faz",
	Short: "Faz pipeline CLI",
	Long: `Faz turns a project brief into a built, reviewed, and deployed result by
walking a fixed phase pipeline: intake, planning, building, qa, review,
deploying. Each phase dispatches an external agent; human approval gates
checkpoint the risky transitions, and every file an agent writes is kept as
an immutable version.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FAZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the single project in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func newInvoker() agent.Invoker {
	base := viper.GetString("agent-url")
	if base == "" {
		base = os.Getenv("FAZ_AGENT_URL")
	}
	if base == "" {
		base = "http://127.0.0.1:8090"
	}
	return &agent.HTTPInvoker{
		BaseURL: base,
		APIKey:  os.Getenv("FAZ_AGENT_API_KEY"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil, newInvoker())
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), e)
	if err != nil {
		return err
	}
	e.Config = cfg
	defer e.Wait()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func actorID() string { return viper.GetString("actor-id") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, brief string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id), newInvoker())
			p, err := e.CreateProject(cmd.Context(), id, name, brief, actorID())
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&brief, "brief", "", "project brief handed to the agents")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phase", "Status", "Cost USD"})
				for _, p := range items {
					phase := string(p.Phase)
					if p.Phase == domain.PhaseBuilding {
						phase = fmt.Sprintf("%s[%d]", p.Phase, p.PhaseIndex)
					}
					tw.AppendRow(table.Row{p.ID, p.Name, phase, p.Status, fmt.Sprintf("%.4f", p.CostUSD)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a finished project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if !p.Terminal() && p.Status != domain.ProjectFailed {
					return fmt.Errorf("only failed, cancelled, or complete projects can be deleted")
				}
				return e.Repo.DeleteProject(ctx, p.ID)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Pipeline config"}
	cfg.AddCommand(configGenerateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	return cfg
}

func configGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Write a default faz.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "my-project"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import faz.yml into the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cfg, err := config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				cfg.Project.ID = e.Config.Project.ID
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := e.Repo.UpsertProjectConfig(ctx, cfg.Project.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func configExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the project config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				data, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Print(string(data))
					return nil
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":  p.ID,
					"phase":       p.Phase,
					"phase_index": p.PhaseIndex,
					"status":      p.Status,
					"tokens_in":   p.TokensIn,
					"tokens_out":  p.TokensOut,
					"cost_usd":    p.CostUSD,
				}
				if run, err := e.Repo.RunningRun(ctx, p.ID); err == nil {
					out["running_run"] = run.ID
					out["running_agent"] = run.AgentKind
				}
				if g, err := e.Repo.PendingGate(ctx, p.ID); err == nil {
					out["pending_gate"] = g.ID
					out["gate_name"] = g.Name
					if g.AutoApproveAt != nil {
						out["auto_approve_at"] = *g.AutoApproveAt
					}
				}
				if p.Error != nil {
					out["error"] = *p.Error
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func lifecycleCmd(use, short string, fn func(context.Context, *engine.Engine, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := fn(ctx, e, e.Config.Project.ID); err != nil {
					return err
				}
				e.Wait()
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func startCmd() *cobra.Command {
	var phase string
	cmd := lifecycleCmd("start", "Start or restart the pipeline", func(ctx context.Context, e *engine.Engine, id string) error {
		return e.Start(ctx, id, domain.Phase(phase), actorID())
	})
	cmd.Flags().StringVar(&phase, "phase", "", "phase to start from (defaults to the current one)")
	return cmd
}

func pauseCmd() *cobra.Command {
	return lifecycleCmd("pause", "Pause dispatch of the next phase", func(ctx context.Context, e *engine.Engine, id string) error {
		return e.Pause(ctx, id, actorID())
	})
}

func resumeCmd() *cobra.Command {
	return lifecycleCmd("resume", "Resume a paused project", func(ctx context.Context, e *engine.Engine, id string) error {
		return e.Resume(ctx, id, actorID())
	})
}

func cancelCmd() *cobra.Command {
	return lifecycleCmd("cancel", "Cancel the project", func(ctx context.Context, e *engine.Engine, id string) error {
		return e.Cancel(ctx, id, actorID())
	})
}

func retryCmd() *cobra.Command {
	return lifecycleCmd("retry", "Re-dispatch the failed phase", func(ctx context.Context, e *engine.Engine, id string) error {
		return e.Retry(ctx, id, actorID())
	})
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{Use: "gate", Short: "Approval gates"}
	gate.AddCommand(gateListCmd())
	gate.AddCommand(gateDecideCmd())
	return gate
}

func gateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListGates(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Name", "Status", "Auto-approve at"})
				for _, g := range items {
					deadline := ""
					if g.AutoApproveAt != nil {
						deadline = *g.AutoApproveAt
					}
					tw.AppendRow(table.Row{g.GateNumber, g.ID, g.Name, g.Status, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func gateDecideCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "decide <gate_id>",
		Short: "Decide a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var notesPtr *string
				if notes != "" {
					notesPtr = &notes
				}
				g, err := e.DecideGate(ctx, args[0], decision, notesPtr, actorID())
				if err != nil {
					return err
				}
				e.Wait()
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", domain.GateApproved, "approved, rejected, or revision_requested")
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes (fed back to the agent on rejection)")
	return cmd
}

func runsCmd() *cobra.Command {
	var phase, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List agent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListRuns(ctx, repo.RunFilters{
					ProjectID: e.Config.Project.ID,
					Phase:     phase,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Agent", "Status", "Duration", "Tokens"})
				for _, r := range items {
					phaseLabel := string(r.Phase)
					if r.Phase == domain.PhaseBuilding {
						phaseLabel = fmt.Sprintf("%s[%d]", r.Phase, r.PhaseIndex)
					}
					tw.AppendRow(table.Row{
						r.ID, phaseLabel, r.AgentKind, r.Status,
						(time.Duration(r.DurationMS) * time.Millisecond).String(),
						fmt.Sprintf("%d/%d", r.TokensIn, r.TokensOut),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "filter by phase")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "n", 0, "limit")
	return cmd
}

func filesCmd() *cobra.Command {
	var path string
	var content bool
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List generated files (current versions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if path != "" {
					items, err := e.Repo.ListArtifactVersions(ctx, e.Config.Project.ID, path)
					if err != nil {
						return err
					}
					return printJSONOrTable(items)
				}
				items, err := e.Repo.ListCurrentArtifacts(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if content {
					for _, a := range items {
						fmt.Printf("--- %s (v%d)\n%s\n", a.Path, a.Version, a.Content)
					}
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Path", "Version", "Status", "Hash"})
				for _, a := range items {
					hash := a.ContentHash
					if len(hash) > 12 {
						hash = hash[:12]
					}
					tw.AppendRow(table.Row{a.Path, a.Version, a.Status, hash})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "show all versions of one path")
	cmd.Flags().BoolVar(&content, "content", false, "print file contents")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyDeleteCmd())
	return apikey
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, key, err := newAPIKey(ctx, r, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":   key.ID,
					"name": key.Name,
					"key":  raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key_id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func newAPIKey(ctx context.Context, r repo.Repo, name, actor string) (string, domain.APIKey, error) {
	raw := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:      uuid.New().String(),
		ActorID: actor,
		Name:    name,
		KeyHash: repo.HashAPIKey(raw),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

const gateSweepInterval = time.Minute

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, nil, newInvoker())
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), e)
			if err == nil {
				e.Config = cfg
			}

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FAZ_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("FAZ_JWT_SECRET is required unless --allow-actor-header is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			// Pick up runs a previous process left in flight.
			if err := e.RecoverInFlight(cmd.Context(), "system"); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				ticker := time.NewTicker(gateSweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if _, err := e.ExpireOverdueGates(ctx); err != nil {
							fmt.Fprintln(os.Stderr, "gate sweep:", err)
						}
					}
				}
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
				e.Shutdown()
				return nil
			})
			fmt.Printf("Serving Faz API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without auth (local dev only)")
	return cmd
}
