package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sozledger/internal/app"
	"sozledger/internal/config"
	"sozledger/internal/db"
	"sozledger/internal/dispatch"
	"sozledger/internal/domain"
	"sozledger/internal/engine"
	"sozledger/internal/migrate"
	"sozledger/internal/repo"
	"sozledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "soz",
	Short: "Soz Ledger CLI",
	Long: `Soz Ledger is a trust ledger for promises between agents, humans, and services.
Entities register once and receive an API key. Promises move from active to a
terminal state (fulfilled, broken, or disputed), evidence is attached along the
way, and every settled promise feeds the promisor's trust score. Webhooks fan
the event log out to subscribers with signed deliveries.`,
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
	viper.SetEnvPrefix("SOZLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier recorded in events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(promiseCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	e, conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func renderEventsTable(out io.Writer, events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
	for _, evt := range events {
		tw.AppendRow(table.Row{evt.EventID, evt.TS, evt.Type, evt.EntityID, evt.ActorID})
	}
	tw.Render()
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Ledger configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var ledgerID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sozledger.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault(ledgerID)), 0o644)
		},
	}
	cmd.Flags().StringVar(&ledgerID, "id", "soz-ledger", "ledger identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate sozledger.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{Use: "entity", Short: "Manage entities"}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityShowCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var name, entityType, publicKey, metadataJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				metadata, err := parseJSONMap(metadataJSON)
				if err != nil {
					return err
				}
				ent, apiKey, err := e.CreateEntity(ctx, engine.EntityCreateOptions{
					Name:      name,
					Type:      entityType,
					PublicKey: publicKey,
					Metadata:  metadata,
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"entity": ent, "api_key": apiKey})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "entity name")
	cmd.Flags().StringVar(&entityType, "type", "ai_agent", "entity type tag (ai_agent, service, human, ...)")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "optional public key")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata as JSON object")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func entityListCmd() *cobra.Command {
	var entityType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListEntities(ctx, repo.EntityFilters{Type: entityType, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Created"})
				for _, ent := range items {
					tw.AppendRow(table.Row{ent.ID, ent.Name, ent.Type, ent.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entities")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ent, err := e.Repo.GetEntity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ent)
			})
		},
	}
}

func promiseCmd() *cobra.Command {
	prm := &cobra.Command{Use: "promise", Short: "Manage promises"}
	prm.AddCommand(promiseCreateCmd())
	prm.AddCommand(promiseListCmd())
	prm.AddCommand(promiseShowCmd())
	prm.AddCommand(promiseStatusCmd())
	return prm
}

func promiseCreateCmd() *cobra.Command {
	var promisor, promisee, description, category, deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a promise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreatePromise(ctx, engine.PromiseCreateOptions{
					PromisorID:  promisor,
					PromiseeID:  promisee,
					Description: description,
					Category:    category,
					Deadline:    deadline,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&promisor, "promisor", "", "promisor entity id")
	cmd.Flags().StringVar(&promisee, "promisee", "", "promisee entity id")
	cmd.Flags().StringVar(&description, "description", "", "what is being promised")
	cmd.Flags().StringVar(&category, "category", "", "promise category")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC 3339 deadline")
	_ = cmd.MarkFlagRequired("promisor")
	_ = cmd.MarkFlagRequired("promisee")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func promiseListCmd() *cobra.Command {
	var f repo.PromiseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List promises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListPromises(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Promisor", "Promisee", "Status", "Category", "Deadline"})
				for _, p := range items {
					deadline := ""
					if p.Deadline != nil {
						deadline = *p.Deadline
					}
					tw.AppendRow(table.Row{p.ID, p.PromisorID, p.PromiseeID, p.Status, p.Category, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PromisorID, "promisor", "", "promisor filter")
	cmd.Flags().StringVar(&f.PromiseeID, "promisee", "", "promisee filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max promises")
	return cmd
}

func promiseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <promise-id>",
		Short: "Show a promise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetPromise(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func promiseStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <promise-id>",
		Short: "Transition a promise to a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				e.SyncScoring = true
				p, err := e.TransitionPromise(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "fulfilled, broken, or disputed")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Manage evidence"}
	ev.AddCommand(evidenceSubmitCmd())
	ev.AddCommand(evidenceListCmd())
	ev.AddCommand(evidenceVerifyCmd())
	return ev
}

func evidenceSubmitCmd() *cobra.Command {
	var promiseID, evType, submittedBy, payloadJSON string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Attach evidence to a promise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				payload, err := parseJSONMap(payloadJSON)
				if err != nil {
					return err
				}
				ev, err := e.SubmitEvidence(ctx, engine.EvidenceCreateOptions{
					PromiseID:   promiseID,
					Type:        evType,
					SubmittedBy: submittedBy,
					Payload:     payload,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	cmd.Flags().StringVar(&promiseID, "promise", "", "promise id")
	cmd.Flags().StringVar(&evType, "type", "", "evidence type")
	cmd.Flags().StringVar(&submittedBy, "submitted-by", "", "submitting entity id")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload as JSON object")
	_ = cmd.MarkFlagRequired("promise")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("submitted-by")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	var promiseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence for a promise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListEvidence(ctx, promiseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Submitted By", "Verified", "Hash"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Type, ev.SubmittedBy, ev.Verified, ev.Hash})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&promiseID, "promise", "", "promise id")
	_ = cmd.MarkFlagRequired("promise")
	return cmd
}

func evidenceVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <evidence-id>",
		Short: "Mark evidence as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ev, err := e.VerifyEvidence(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
}

func scoreCmd() *cobra.Command {
	sc := &cobra.Command{Use: "score", Short: "Trust scores"}
	sc.AddCommand(scoreShowCmd())
	sc.AddCommand(scoreHistoryCmd())
	sc.AddCommand(scoreRecomputeCmd())
	return sc
}

func scoreShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-id>",
		Short: "Show an entity's trust score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ts, err := e.ScoreFor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ts)
			})
		},
	}
}

func scoreHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <entity-id>",
		Short: "Show score history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				history, err := e.Repo.ListScoreHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(history)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max history entries")
	return cmd
}

func scoreRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <entity-id>",
		Short: "Recompute an entity's trust score now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ts, err := e.RecomputeScore(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ts)
			})
		},
	}
}

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{Use: "webhook", Short: "Manage webhooks"}
	wh.AddCommand(webhookCreateCmd())
	wh.AddCommand(webhookListCmd())
	wh.AddCommand(webhookDeleteCmd())
	wh.AddCommand(webhookLogsCmd())
	return wh
}

func webhookCreateCmd() *cobra.Command {
	var entityID, url string
	var eventTypes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				wh, err := e.RegisterWebhook(ctx, engine.WebhookCreateOptions{
					EntityID:   entityID,
					URL:        url,
					EventTypes: eventTypes,
				})
				if err != nil {
					return err
				}
				return printJSON(wh)
			})
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "owning entity id")
	cmd.Flags().StringVar(&url, "url", "", "delivery URL")
	cmd.Flags().StringSliceVar(&eventTypes, "events", nil, "event types to subscribe to")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}

func webhookListCmd() *cobra.Command {
	var entityID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListWebhooks(ctx, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "URL", "Active", "Events"})
				for _, wh := range items {
					tw.AppendRow(table.Row{wh.ID, wh.EntityID, wh.URL, wh.IsActive, strings.Join(wh.EventTypes, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "entity filter")
	return cmd
}

func webhookDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <webhook-id>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteWebhook(ctx, args[0])
			})
		},
	}
}

func webhookLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <webhook-id>",
		Short: "Show delivery logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				logs, err := e.Repo.ListDeliveryLogs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(logs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max log entries")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of ledger changes: entities, promises, evidence, and score updates.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderEventsTable(os.Stdout, events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func migrateCmd() *cobra.Command {
	mig := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", v)
			return nil
		},
	}
	return mig
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, conn, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SOZLEDGER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SOZLEDGER_JWT_SECRET is required for bearer auth")
			}
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Log: logger})
			if err != nil {
				return err
			}

			dispatchCtx, stopDispatch := context.WithCancel(cmd.Context())
			defer stopDispatch()
			d := dispatch.New(e.Repo, e.Config.Webhooks, logger)
			go d.Run(dispatchCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Soz Ledger API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func parseJSONMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return m, nil
}
