package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/guard"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stl",
	Short: "Stageline CLI",
	Long: `Stageline dispatches queued work items through plan, execute and test stages,
each handled by an external coding agent.
Core concepts:
- Workspace: the directory holding stageline.yml and the .stageline state directory.
- Work items: tasks and findings, claimed by priority then age.
- Execution profiles: which agent, model and runtime handle each (complexity, stage) pair.
- Findings: a failed test stage spawns a child finding item that blocks its parent until it completes.
- Dispatcher: the loop that claims one item at a time ('stl serve --dispatch' or 'stl dispatch once').
- Event log: every transition and stage run, view with 'stl log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(findingCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stageline.yml and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := renameio.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), app.Options{SyncProfiles: true}, func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Initialized %s and %s\n", path, filepath.Join(workspace, ".stageline"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemTreeCmd())
	item.AddCommand(itemRequeueCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var (
		title, body, bodyFile, richBody, kind, projectPath string
		priority                                           int
		parentID                                           int64
		criteria                                           []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				data, err := readInput(bodyFile)
				if err != nil {
					return err
				}
				body = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CreateItemOptions{
					Kind:               kind,
					Title:              title,
					Body:               body,
					RichBody:           richBody,
					Priority:           priority,
					ProjectPath:        projectPath,
					AcceptanceCriteria: criteria,
				}
				if cmd.Flags().Changed("parent") {
					opts.ParentID = &parentID
				}
				w, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "plain text body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file (- for stdin)")
	cmd.Flags().StringVar(&richBody, "rich-body", "", "HTML body; sanitized into the prompt when body is empty")
	cmd.Flags().StringVar(&kind, "kind", domain.KindTask, "task or finding")
	cmd.Flags().StringVar(&projectPath, "project-path", "", "directory the agents run in (defaults to the workspace)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority; lower runs first")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent item id")
	cmd.Flags().StringArrayVar(&criteria, "criteria", nil, "acceptance criterion (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var status, kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilter{Status: status, Kind: kind, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Priority", "Parent", "Last error"})
				for _, w := range items {
					parent := ""
					if w.ParentID != nil {
						parent = strconv.FormatInt(*w.ParentID, 10)
					}
					tw.AppendRow(table.Row{w.ID, w.Kind, w.Title, w.Status, w.Priority, parent, truncate(w.LastError, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max items")
	return cmd
}

func itemGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func itemTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree [id]",
		Short: "Show items with their spawned findings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilter{})
				if err != nil {
					return err
				}
				children := map[int64][]domain.WorkItem{}
				var roots []domain.WorkItem
				for _, w := range items {
					if w.ParentID == nil {
						roots = append(roots, w)
						continue
					}
					children[*w.ParentID] = append(children[*w.ParentID], w)
				}
				if len(args) == 1 {
					id, err := parseID(args[0])
					if err != nil {
						return err
					}
					root, err := e.Repo.GetWorkItem(ctx, id)
					if err != nil {
						return err
					}
					roots = []domain.WorkItem{root}
				}
				for i, root := range roots {
					printItemTree(root, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func itemRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a failed, needs_input or blocked item to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Requeue(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "profile",
		Short: "Execution profiles",
		Long:  "Each (complexity, stage) pair is bound to one agent, model and runtime. stageline.yml is authoritative at serve start and on every edit.",
	}
	p.AddCommand(profileListCmd())
	p.AddCommand(profileSetCmd())
	p.AddCommand(profileSyncCmd())
	return p
}

func profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List execution profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				profiles, err := e.Repo.ListProfiles(ctx)
				if err != nil {
					return err
				}
				return printProfiles(profiles)
			})
		},
	}
}

func profileSetCmd() *cobra.Command {
	var p domain.ExecutionProfile
	cmd := &cobra.Command{
		Use:   "set <complexity> <stage>",
		Short: "Bind an agent to a complexity and stage until the next sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Complexity, p.Stage = args[0], args[1]
			cfg := config.Default()
			cfg.Profiles = []domain.ExecutionProfile{p}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, ok := e.Adapters.Get(p.Agent); !ok {
					return fmt.Errorf("unknown agent %q", p.Agent)
				}
				if err := e.Repo.UpsertProfile(ctx, nil, p); err != nil {
					return err
				}
				stored, err := e.Repo.LookupProfile(ctx, p.Complexity, p.Stage)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&p.Agent, "agent", "", "agent name (claude, codex, gemini, copilot)")
	cmd.Flags().StringVar(&p.Model, "model", "", "model")
	cmd.Flags().StringVar(&p.Runtime, "runtime", domain.RuntimeHost, "host or container")
	cmd.Flags().StringVar(&p.Provider, "provider", "", "credential provider")
	cmd.Flags().StringVar(&p.AuthMode, "auth-mode", "api_key", "api_key, oauth_callback or device_code")
	cmd.Flags().IntVar(&p.TimeoutSeconds, "timeout", 0, "stage timeout in seconds")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func profileSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replace the profile table with stageline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{RequireConfig: true, SyncProfiles: true}, func(ctx context.Context, rt *app.Runtime) error {
				profiles, err := rt.Engine.Repo.ListProfiles(ctx)
				if err != nil {
					return err
				}
				return printProfiles(profiles)
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispatch",
		Short: "Process items without the loop",
	}
	d.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Claim and process the next eligible item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d *engine.Dispatcher) error {
				out, err := d.RunOnce(ctx)
				if err != nil {
					return err
				}
				if out == nil {
					fmt.Println("Nothing to dispatch")
					return nil
				}
				return printOutcome(*out)
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "item <id>",
		Short: "Process one item by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withDispatcher(cmd.Context(), func(ctx context.Context, d *engine.Dispatcher) error {
				out, err := d.RunItem(ctx, id)
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	})
	return d
}

func findingCmd() *cobra.Command {
	f := &cobra.Command{Use: "finding", Short: "Verification findings"}
	var itemID int64
	var open bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				findings, err := e.Repo.ListFindings(ctx, repo.FindingFilter{WorkItemID: itemID, OpenOnly: open})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Item", "Child", "Severity", "Blocking", "Title", "Resolved"})
				for _, fd := range findings {
					child, resolved := "", ""
					if fd.ChildWorkItemID != nil {
						child = strconv.FormatInt(*fd.ChildWorkItemID, 10)
					}
					if fd.ResolvedAt != nil {
						resolved = *fd.ResolvedAt
					}
					tw.AppendRow(table.Row{fd.ID, fd.WorkItemID, child, fd.Severity, fd.Blocking, truncate(fd.Title, 60), resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&itemID, "item", 0, "work item id")
	list.Flags().BoolVar(&open, "open", false, "only unresolved findings")
	f.AddCommand(list)
	return f
}

func runCmd() *cobra.Command {
	r := &cobra.Command{Use: "run", Short: "Stage runs"}
	var limit int
	list := &cobra.Command{
		Use:   "list <item-id>",
		Short: "List stage runs of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, id, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Stage", "Profile", "Status", "Exit", "Started", "Log"})
				for _, run := range runs {
					exit := ""
					if run.ExitCode != nil {
						exit = strconv.Itoa(*run.ExitCode)
					}
					tw.AppendRow(table.Row{run.ID, run.Stage, run.ProfileID, run.Status, exit, run.StartedAt, run.LogPath})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max runs")
	r.AddCommand(list)
	return r
}

func authCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auth",
		Short: "Brokered provider credentials",
		Long:  "Tokens stored here take precedence over environment variables and native CLI sessions.",
	}
	var provider string
	var expiresIn time.Duration
	login := &cobra.Command{
		Use:   "login",
		Short: "Store a provider token (read from stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := auth.EnvVarFor(provider); !ok {
				return fmt.Errorf("unknown provider %q (known: %s)", provider, strings.Join(auth.Providers(), ", "))
			}
			token, err := readSecret(fmt.Sprintf("%s token: ", provider))
			if err != nil {
				return err
			}
			if token == "" {
				return errors.New("empty token")
			}
			return withBroker(cmd.Context(), func(b *auth.Broker) error {
				tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
				if expiresIn > 0 {
					tok.Expiry = time.Now().Add(expiresIn)
				}
				if err := b.Store(provider, tok); err != nil {
					return err
				}
				fmt.Printf("Stored %s token\n", provider)
				return nil
			})
		},
	}
	login.Flags().StringVar(&provider, "provider", "", "provider (anthropic, openai, google, github)")
	login.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime; zero never expires")
	_ = login.MarkFlagRequired("provider")

	status := &cobra.Command{
		Use:   "status",
		Short: "List stored tokens without their values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(b *auth.Broker) error {
				statuses, err := b.Status()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(statuses)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Provider", "Valid", "Expiry", "Env var"})
				for _, s := range statuses {
					exp := "never"
					if s.Expiry != nil {
						exp = s.Expiry.Format(time.RFC3339)
					}
					envVar, _ := auth.EnvVarFor(s.Provider)
					tw.AppendRow(table.Row{s.Provider, s.Valid, exp, envVar})
				}
				tw.Render()
				return nil
			})
		},
	}

	var logoutProvider string
	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove a stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(b *auth.Broker) error {
				return b.Remove(logoutProvider)
			})
		},
	}
	logout.Flags().StringVar(&logoutProvider, "provider", "", "provider")
	_ = logout.MarkFlagRequired("provider")

	a.AddCommand(login, status, logout)
	return a
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{Use: "guard", Short: "Prompt injection guard"}
	var file, mode string
	scan := &cobra.Command{
		Use:   "scan [text]",
		Short: "Scan text for injection phrasing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			switch {
			case len(args) == 1:
				text = args[0]
			default:
				if file == "" {
					file = "-"
				}
				data, err := readInput(file)
				if err != nil {
					return err
				}
				text = string(data)
			}
			if mode == "" {
				cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				mode = cfg.Guard.Mode
			}
			ev := guard.Evaluate(guard.ParseMode(mode), text)
			if err := printJSONOrTable(ev); err != nil {
				return err
			}
			if ev.Blocked {
				return errors.New("prompt injection detected")
			}
			return nil
		},
	}
	scan.Flags().StringVar(&file, "file", "", "read text from a file (- for stdin)")
	scan.Flags().StringVar(&mode, "mode", "", "block, warn or off (defaults to config)")
	g.AddCommand(scan)
	return g
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	var owner, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plain key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain := "stl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{ID: uuid.NewString(), Owner: owner, Name: name, KeyHash: repo.HashAPIKey(plain)}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "owner": owner, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "owner of the key")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("owner")
	k.AddCommand(create)
	return k
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every transition, stage run, finding and dispatcher failure.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var kind, subjectType, subjectID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.EventFilter{Kind: kind, SubjectType: subjectType, SubjectID: subjectID, Limit: n}
				evts, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				sort.Slice(evts, func(i, j int) bool { return evts[i].ID < evts[j].ID })
				printEvents(evts)
				if !follow {
					return nil
				}
				last, err := r.LatestEventID(ctx)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					f.AfterID, f.Limit = last, 0
					evts, err := r.EventsAfter(ctx, f)
					if err != nil {
						return err
					}
					printEvents(evts)
					if len(evts) > 0 {
						last = evts[len(evts)-1].ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&subjectType, "subject-type", "", "work_item, run or dispatcher")
	cmd.Flags().StringVar(&subjectID, "subject-id", "", "subject id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath   string
		dispatch, noAuth bool
		corsOrigins      []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the config watcher and optionally the dispatcher loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret"), Disabled: noAuth}
			if authCfg.JWTSecret == "" && !noAuth {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth (or pass --no-auth on a loopback address)")
			}
			if noAuth && !loopback(addr) {
				return fmt.Errorf("--no-auth is only allowed on a loopback address")
			}
			opts := app.Options{Project: true, SyncProfiles: true}
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt *app.Runtime) error {
				authCfg.Logger = rt.Logger
				d := engine.NewDispatcher(rt.Engine)
				g, gctx := errgroup.WithContext(ctx)
				handler, err := server.New(server.Config{
					Dispatcher:  d,
					BasePath:    basePath,
					Auth:        authCfg,
					CORSOrigins: corsOrigins,
					Context:     gctx,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					<-gctx.Done()
					d.Stop()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Logger.Info("serving stageline api", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error { return rt.WatchConfig(gctx) })
				if dispatch {
					if err := d.Start(gctx); err != nil {
						return err
					}
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "start the dispatcher loop immediately")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (loopback only)")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, opts app.Options, fn func(context.Context, *app.Runtime) error) error {
	opts.LogOutput = os.Stderr
	opts.LogLevel = viper.GetString("log-level")
	rt, err := app.Open(ctx, viper.GetString("workspace"), opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func withDispatcher(ctx context.Context, fn func(context.Context, *engine.Dispatcher) error) error {
	return withRuntime(ctx, app.Options{Project: true}, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, engine.NewDispatcher(rt.Engine))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withRuntime(ctx, app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine.Repo)
	})
}

func withBroker(ctx context.Context, fn func(*auth.Broker) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	path := cfg.Auth.TokenFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return fn(auth.NewBroker(path))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", s)
	}
	return id, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func loopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printProfiles(profiles []domain.ExecutionProfile) error {
	if viper.GetBool("json") {
		return printJSON(profiles)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Complexity", "Stage", "Agent", "Model", "Runtime", "Provider", "Auth", "Timeout"})
	for _, p := range profiles {
		tw.AppendRow(table.Row{p.Complexity, p.Stage, p.Agent, p.Model, p.Runtime, p.Provider, p.AuthMode, p.TimeoutSeconds})
	}
	tw.Render()
	return nil
}

func printOutcome(out engine.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	fmt.Printf("Item %d %q -> %s (complexity %s)\n", out.Item.ID, out.Item.Title, out.Item.Status, out.Complexity)
	if out.Item.LastError != "" {
		fmt.Printf("  %s\n", out.Item.LastError)
	}
	for _, sig := range out.Guard.Signals {
		fmt.Printf("  guard: %s (%s)\n", sig.Label, sig.Excerpt)
	}
	for _, run := range out.Runs {
		fmt.Printf("  %-8s %-11s %s\n", run.Stage, run.Status, run.LogPath)
	}
	if out.ChildID != nil {
		fmt.Printf("  spawned finding item %d\n", *out.ChildID)
	}
	return nil
}

func printEvents(evts []domain.Event) {
	if viper.GetBool("json") {
		for _, evt := range evts {
			b, _ := json.Marshal(evt)
			fmt.Println(string(b))
		}
		return
	}
	for _, evt := range evts {
		subject := evt.SubjectType
		if evt.SubjectID != "" {
			subject += ":" + evt.SubjectID
		}
		fmt.Printf("%s %-6d %-28s %-16s %s\n", evt.TS, evt.ID, evt.Kind, subject, evt.Payload)
	}
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

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func printItemTree(w domain.WorkItem, children map[int64][]domain.WorkItem, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s#%d %s [%s]\n", prefix, connector, w.ID, w.Title, w.Status)
	kids := children[w.ID]
	for i, c := range kids {
		printItemTree(c, children, newPrefix, i == len(kids)-1)
	}
}
