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

	"github.com/fsnotify/fsnotify"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cutledger/internal/config"
	"cutledger/internal/db"
	"cutledger/internal/domain"
	"cutledger/internal/export"
	"cutledger/internal/migrate"
	"cutledger/internal/query"
	"cutledger/internal/server"
	"cutledger/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "cutctl",
	Short: "Cutledger CLI",
	Long: `Cutledger records, validates, and audits every computed CNC/CAM run.
Every submission is scored by the feasibility engine and persisted as an
immutable run artifact with a verifiable feasibility hash; risky runs stay
blocked for export until an operator override is attached.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("CUTLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("operator", "local-operator", "operator identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("operator", rootCmd.PersistentFlags().Lookup("operator"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
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
			if _, err := config.Load(workspace); err == nil {
				return fmt.Errorf("workspace already initialized: %s", config.Path(workspace))
			}
			if workspaceID == "" {
				workspaceID = "default"
			}
			cfg := config.Default(workspaceID)
			if err := cfg.Save(workspace); err != nil {
				return err
			}
			fmt.Printf("initialized workspace %s (%s)\n", workspaceID, config.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "id", "", "workspace id")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage run artifacts"}
	run.AddCommand(runSubmitCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runDiffCmd())
	run.AddCommand(runTreeCmd())
	run.AddCommand(runAttachCmd())
	run.AddCommand(runDetachCmd())
	run.AddCommand(runDeleteCmd())
	return run
}

func runSubmitCmd() *cobra.Command {
	var kind, sessionID, batchLabel, toolID, materialID, machineID, mode string
	var payloadFile, toolpathsFile, gcodeFile, upstreamError string
	var parents []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Score and persist a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readOptionalFile(payloadFile)
			if err != nil {
				return err
			}
			toolpaths, err := readOptionalFile(toolpathsFile)
			if err != nil {
				return err
			}
			gcode, err := readOptionalFile(gcodeFile)
			if err != nil {
				return err
			}
			parentRefs, err := parseParents(parents)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				a, err := env.Store.CreateRun(ctx, store.CreateRunOptions{
					Kind:          kind,
					SessionID:     sessionID,
					BatchLabel:    batchLabel,
					ToolID:        toolID,
					MaterialID:    materialID,
					MachineID:     machineID,
					Mode:          mode,
					Parents:       parentRefs,
					Payload:       payload,
					Toolpaths:     toolpaths,
					Gcode:         gcode,
					UpstreamError: upstreamError,
					ActorID:       viper.GetString("operator"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.KindFeasibility, "artifact kind")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&batchLabel, "batch", "", "batch label")
	cmd.Flags().StringVar(&toolID, "tool", "", "tool id")
	cmd.Flags().StringVar(&materialID, "material", "", "material id")
	cmd.Flags().StringVar(&machineID, "machine", "", "machine id")
	cmd.Flags().StringVar(&mode, "mode", "", "mode")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "payload JSON file (- for stdin)")
	cmd.Flags().StringVar(&toolpathsFile, "toolpaths", "", "toolpaths JSON file")
	cmd.Flags().StringVar(&gcodeFile, "gcode", "", "gcode file")
	cmd.Flags().StringVar(&upstreamError, "upstream-error", "", "record an upstream generator failure")
	cmd.Flags().StringArrayVar(&parents, "parent", nil, "parent reference kind=run_id (repeatable)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				a, err := env.Store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var f query.Filters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List run artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				page, err := env.Query.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"RUN", "KIND", "STATUS", "RISK", "SCORE", "SESSION", "BATCH", "MATERIAL", "CREATED"})
				for _, a := range page.Items {
					t.AppendRow(table.Row{shortID(a.RunID), a.Kind, a.Status, a.RiskLevel, fmt.Sprintf("%.2f", a.Score), a.SessionID, a.BatchLabel, a.MaterialID, a.CreatedAt})
				}
				t.Render()
				if page.NextCursor != "" {
					fmt.Printf("next cursor: %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "filter by session")
	cmd.Flags().StringVar(&f.BatchLabel, "batch", "", "filter by batch label")
	cmd.Flags().StringVar(&f.ToolID, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&f.MaterialID, "material", "", "filter by material")
	cmd.Flags().StringVar(&f.CreatedFrom, "from", "", "created at or after (RFC3339)")
	cmd.Flags().StringVar(&f.CreatedTo, "to", "", "created at or before (RFC3339)")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "pagination cursor")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "page size")
	return cmd
}

func runDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <a_id> <b_id>",
		Short: "Diff two run artifacts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				res, err := env.Query.Diff(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func runTreeCmd() *cobra.Command {
	var sessionID, batchLabel, kindHint string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show a batch lineage tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				rootID, err := env.Query.ResolveBatchRoot(ctx, sessionID, batchLabel, kindHint)
				if err != nil {
					return err
				}
				tree, err := env.Query.BuildTree(ctx, rootID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tree)
				}
				printRunTree(tree, "", true)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&batchLabel, "batch", "", "batch label")
	cmd.Flags().StringVar(&kindHint, "kind-hint", "", "root kind hint (default spec)")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func runAttachCmd() *cobra.Command {
	var kind, file, sha256Hex string
	cmd := &cobra.Command{
		Use:   "attach <run_id>",
		Short: "Append an attachment to a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readOptionalFile(file)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				att, err := env.Store.Attach(ctx, store.AttachOptions{
					RunID:   args[0],
					Kind:    kind,
					Content: content,
					SHA256:  sha256Hex,
					ActorID: viper.GetString("operator"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(att)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "attachment kind")
	cmd.Flags().StringVar(&file, "file", "", "content file (- for stdin)")
	cmd.Flags().StringVar(&sha256Hex, "sha256", "", "expected content hash")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runDetachCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "detach <attachment_id>",
		Short: "Soft-delete an attachment (audited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				return env.Store.DeleteAttachment(ctx, args[0], viper.GetString("operator"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason")
	return cmd
}

func runDeleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <run_id>",
		Short: "Soft-delete a run artifact (audited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				return env.Store.DeleteRun(ctx, args[0], viper.GetString("operator"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason")
	return cmd
}

func overrideCmd() *cobra.Command {
	var reason, scope string
	cmd := &cobra.Command{
		Use:   "override <run_id>",
		Short: "Attach an export override to a risky run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				att, err := env.Gate.CreateOverride(ctx, args[0], viper.GetString("operator"), reason, scope)
				if err != nil {
					return err
				}
				return printJSONOrTable(att)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "operator reason")
	cmd.Flags().StringVar(&scope, "scope", "", "override scope")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func exportCmd() *cobra.Command {
	exp := &cobra.Command{Use: "export", Short: "Export run bundles"}
	exp.AddCommand(exportBundleCmd())
	exp.AddCommand(exportCheckCmd())
	return exp
}

func exportBundleCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "bundle <run_id>",
		Short: "Write a run bundle archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				if out == "" {
					out = fmt.Sprintf("run-%s.tar.gz", shortID(args[0]))
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := env.Gate.Bundle(ctx, args[0], f); err != nil {
					os.Remove(out)
					return err
				}
				fmt.Printf("wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file")
	return cmd
}

func exportCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <run_id>",
		Short: "Explain export eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				d, err := env.Gate.CanExport(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace governance config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			data, err := c.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
	var allow bool
	setRed := &cobra.Command{
		Use:   "allow-red",
		Short: "Toggle the RED override feature flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			c, err := config.Load(workspace)
			if err != nil {
				return err
			}
			c.Overrides.AllowRed = allow
			if err := c.Save(workspace); err != nil {
				return err
			}
			fmt.Printf("overrides.allow_red = %v\n", allow)
			return nil
		},
	}
	setRed.Flags().BoolVar(&allow, "enabled", false, "allow red overrides")
	cfg.AddCommand(setRed)
	return cfg
}

func logCmd() *cobra.Command {
	logGroup := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, env storeEnv) error {
				events, err := latestEvents(ctx, env, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	logGroup.AddCommand(tail)
	return logGroup
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(workspace)
			if err != nil {
				return err
			}
			flags := config.NewFlags(cfg)
			watchFlags(workspace, flags)

			st := store.New(conn)
			q := query.New(conn, st)
			gate := export.NewGate(st, flags)
			handler, err := server.New(server.Config{Store: st, Query: q, Gate: gate, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Cutledger API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath)
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

// watchFlags reloads governance flags when the config file changes, so the
// RED override flag applies without a restart.
func watchFlags(workspace string, flags *config.Flags) {
	v := viper.New()
	v.SetConfigFile(config.Path(workspace))
	if err := v.ReadInConfig(); err != nil {
		return
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := config.Load(workspace)
		if err != nil {
			fmt.Printf("config reload failed: %v\n", err)
			return
		}
		flags.Reload(cfg)
	})
	v.WatchConfig()
}

// --- helpers ---

type storeEnv struct {
	Store *store.Store
	Query query.Engine
	Gate  export.Gate
}

func withStore(ctx context.Context, fn func(context.Context, storeEnv) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(workspace)
	if err != nil {
		return err
	}
	st := store.New(conn)
	env := storeEnv{
		Store: st,
		Query: query.New(conn, st),
		Gate:  export.NewGate(st, config.NewFlags(cfg)),
	}
	return fn(ctx, env)
}

// resolveConfig loads the workspace config, seeding the default when the
// workspace has not been initialized explicitly.
func resolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err == nil {
		return cfg, nil
	}
	cfg = config.Default("default")
	if saveErr := cfg.Save(workspace); saveErr != nil {
		return nil, saveErr
	}
	return cfg, nil
}

func latestEvents(ctx context.Context, env storeEnv, n int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var where []string
	var args []any
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, entityID)
	}
	q := `SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := env.Store.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func readOptionalFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func parseParents(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	res := make(map[string]string, len(pairs))
	for _, p := range pairs {
		kind, id, ok := strings.Cut(p, "=")
		if !ok || kind == "" || id == "" {
			return nil, fmt.Errorf("invalid --parent %q, expected kind=run_id", p)
		}
		res[kind] = id
	}
	return res, nil
}

func printRunTree(node *query.TreeNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	a := node.Artifact
	fmt.Printf("%s%s%s %s [%s/%s]\n", prefix, connector, a.Kind, shortID(a.RunID), a.Status, a.RiskLevel)
	for i, c := range node.Children {
		printRunTree(c, newPrefix, i == len(node.Children)-1)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
