package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"vaultline/internal/app"
	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/server"
	"vaultline/internal/store"
	"vaultline/internal/vaultsync"

	_ "vaultline/internal/channel/email"
	_ "vaultline/internal/channel/ledger"
	_ "vaultline/internal/channel/mcp"
	_ "vaultline/internal/channel/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Vaultline CLI",
	Long: `Vaultline moves work through a shared folder of markdown documents.
- Vault: a directory with one subdirectory per stage (Needs_Action, In_Progress/<role>, Plans, Pending_Approval, Approved, Rejected, Done).
- Roles: each agent process acts as one configured role; a role only writes the stages it is allowed to.
- Claims: a task is taken by moving it into In_Progress/<role>; the first move wins.
- Approvals: side-effecting plans park a request in Pending_Approval until a role with approval.decide signs off.
- Audit: every transition is appended to Logs/<date>.<role>.jsonl.
- Sync: two hosts exchange the vault through a git remote.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VAULTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("root", "r", ".", "vault root directory")
	rootCmd.PersistentFlags().String("role", "", "role this process acts as")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <root>/vaultline.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or text")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	for _, name := range []string{"root", "role", "config", "log-level", "log-format", "json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var force, withGit bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault layout and a default vaultline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("root")
			if err := os.MkdirAll(root, 0o755); err != nil {
				return err
			}
			path := config.Path(root)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists; keeping it (use --force to overwrite)\n", path)
			} else if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if withGit {
					actor := viper.GetString("role")
					if actor == "" {
						actor = "operator"
					}
					if err := a.Reconciler(actor).Init(ctx); err != nil {
						return err
					}
				}
				fmt.Printf("Initialized vault at %s with roles %s\n", a.Root, strings.Join(a.Config.RoleNames(), ", "))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().BoolVar(&withGit, "git", false, "also prepare the vault for sync")
	return cmd
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Run a role's poll loop"}
	ag.AddCommand(agentRunCmd())
	return ag
}

func agentRunCmd() *cobra.Command {
	var interval time.Duration
	var iterations int
	var noWatch, withSync, withServe bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll, plan, decide and execute until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := requireRole()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("interval") {
					a.Config.Agent.PollInterval = interval
				}
				if cmd.Flags().Changed("iterations") {
					a.Config.Agent.MaxIterations = iterations
				}
				if noWatch {
					a.Config.Agent.Watch = false
				}
				var handler http.Handler
				var err error
				if withServe {
					if handler, err = a.Server(ctx); err != nil {
						return err
					}
				}
				var rec *vaultsync.Reconciler
				if withSync {
					rec = a.Reconciler(role)
					if err := rec.Init(ctx); err != nil {
						return err
					}
				}
				// The watcher is only closed by its Run, so it is built last.
				runner, watcher, err := a.Agent(role)
				if err != nil {
					return err
				}
				a.Logger.Info("agent starting", "role", role, "root", a.Root, "interval", a.Config.Agent.PollInterval)

				// The loop ending (iteration cap) stops the helpers too.
				loopCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				g, gctx := errgroup.WithContext(loopCtx)
				g.Go(func() error {
					defer cancel()
					return runner.Run(gctx)
				})
				if watcher != nil {
					g.Go(func() error { return watcher.Run(gctx) })
				}
				if rec != nil {
					g.Go(func() error { return rec.Run(gctx, a.Config.Sync.Interval) })
				}
				if handler != nil {
					g.Go(func() error { return listen(gctx, a.Config.Server.Addr, handler) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sleep between cycles (overrides agent.poll_interval)")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "stop after this many cycles; 0 runs until interrupted")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "poll only; do not watch stage directories")
	cmd.Flags().BoolVar(&withSync, "sync", false, "run the sync reconciler alongside the loop")
	cmd.Flags().BoolVar(&withServe, "serve", false, "serve the approvals API alongside the loop")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskReplanCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var id, channel, title, body, bodyFile, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Deposit a task in Needs_Action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				body = string(b)
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				task, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ID:       id,
					Channel:  channel,
					Title:    title,
					Body:     body,
					Priority: domain.Priority(priority),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Println(task.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "explicit task id")
	cmd.Flags().StringVar(&channel, "channel", "manual", "origin channel")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityMedium), "low, medium or high")
	return cmd
}

func taskListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				var tasks []domain.Task
				if st == domain.StageInProgress {
					roles, err := e.Store.Roles()
					if err != nil {
						return err
					}
					for _, r := range roles {
						items, err := e.ListTasks(ctx, store.InProgress(r))
						if err != nil {
							return err
						}
						tasks = append(tasks, items...)
					}
				} else if tasks, err = e.ListTasks(ctx, store.At(st)); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Priority", "Channel", "Title", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Priority, t.Channel, t.Title, t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", string(domain.StageNeedsAction), "stage id or directory name")
	return cmd
}

func taskReplanCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "replan <task-id>",
		Short: "Return a rejected task to Needs_Action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				if err := e.Replan(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Printf("%s returned to %s\n", args[0], domain.StageNeedsAction.Dir())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is replanned")
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Review and decide approval requests"}
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalShowCmd())
	ap.AddCommand(approvalDecideCmd(domain.DecisionApproved))
	ap.AddCommand(approvalDecideCmd(domain.DecisionRejected))
	return ap
}

func approvalListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.ListRequests(ctx, st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Action", "Amount", "Requested by", "Executor", "Decision"})
				for _, r := range reqs {
					amount := ""
					if r.Amount != 0 {
						amount = fmt.Sprintf("%.2f", r.Amount)
					}
					tw.AppendRow(table.Row{r.ID, r.ActionKind, amount, r.RequestedBy, r.Executor, r.Decision})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", string(domain.StagePendingApproval), "stage id or directory name")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", r.ID},
					{"Stage", r.Stage},
					{"Task", r.TaskID},
					{"Plan", r.PlanID},
					{"Action", r.ActionKind},
					{"Amount", r.Amount},
					{"Requested by", r.RequestedBy},
					{"Executor", r.Executor},
					{"Policy", r.Policy},
					{"Decision", r.Decision},
					{"Decided by", r.DecidedBy},
					{"Reason", r.Reason},
				})
				tw.Render()
				if body := strings.TrimSpace(r.Body); body != "" {
					fmt.Println()
					fmt.Println(body)
				}
				return nil
			})
		},
	}
}

func approvalDecideCmd(decision domain.Decision) *cobra.Command {
	var reason, actor string
	use, short := "approve", "Approve a pending request"
	if decision == domain.DecisionRejected {
		use, short = "reject", "Reject a pending request"
	}
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				r, err := e.Decide(ctx, args[0], decision, reason, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("%s %s by %s\n", r.ID, r.Decision, r.DecidedBy)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	cmd.Flags().StringVar(&actor, "actor", "", "who decided (defaults to the role)")
	if decision == domain.DecisionRejected {
		_ = cmd.MarkFlagRequired("reason")
	}
	return cmd
}

func auditCmd() *cobra.Command {
	au := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	au.AddCommand(auditTailCmd())
	return au
}

func auditTailCmd() *cobra.Command {
	var n int
	var target string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records across roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var recs []domain.AuditRecord
				var err error
				if target == "" {
					recs, err = audit.Tail(a.AuditDir(), n)
				} else {
					err = audit.Scan(a.AuditDir(), time.Time{}, func(r domain.AuditRecord) bool {
						if r.Target == target {
							recs = append(recs, r)
						}
						return true
					})
					if len(recs) > n {
						recs = recs[len(recs)-n:]
					}
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Actor", "Action", "Target", "Result", "Error"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.Timestamp.Format(time.RFC3339), r.Actor, r.Action, r.Target, r.Result, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of records")
	cmd.Flags().StringVar(&target, "target", "", "only records about this document id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stage counts, pending approvals and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				snap, err := dashboard.Build(a.Store, a.AuditDir(), viper.GetString("role"), a.Config.Signals.Recent, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				_, err = os.Stdout.Write(dashboard.Render(snap))
				return err
			})
		},
	}
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Exchange the vault with the sync remote"}
	sc.AddCommand(syncRunCmd())
	return sc
}

func syncRunCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Commit, merge and push once (or every sync.interval with --loop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := requireRole()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec := a.Reconciler(role)
				if err := rec.Init(ctx); err != nil {
					return err
				}
				if loop {
					return rec.Run(ctx, a.Config.Sync.Interval)
				}
				res, err := rec.Sync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("committed=%t merged=%t pushed=%t\n", res.Committed, res.Merged, res.Pushed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep syncing until interrupted")
	return cmd
}

func recoverCmd() *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resolve a stopped role's leftover claims",
		Long: `Resolve the documents left in In_Progress/<role> by a process that stopped mid-item.
Claimed tasks are only released back to Needs_Action with --release; run it only when the role's agent is not running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Recover(ctx, e.Role.Name, engine.RecoverOptions{ReleaseTasks: release})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Outcome", "Documents"})
				tw.AppendRows([]table.Row{
					{"released", strings.Join(rep.Released, ", ")},
					{"restored", strings.Join(rep.Restored, ", ")},
					{"completed", strings.Join(rep.Completed, ", ")},
					{"quarantined", strings.Join(rep.Quarantined, ", ")},
					{"kept", strings.Join(rep.Kept, ", ")},
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "return claimed tasks to Needs_Action")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the approvals HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if addr != "" {
					a.Config.Server.Addr = addr
				}
				handler, err := a.Server(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Serving Vaultline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", a.Config.Server.Addr, a.Config.Server.BasePath)
				return listen(ctx, a.Config.Server.Addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func tokenCmd() *cobra.Command {
	tk := &cobra.Command{Use: "token", Short: "Mint API bearer tokens"}
	tk.AddCommand(tokenIssueCmd())
	return tk
}

func tokenIssueCmd() *cobra.Command {
	var sub string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token acting as --role for --sub",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := requireRole()
			if err != nil {
				return err
			}
			if sub == "" {
				return fmt.Errorf("--sub required")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Config.Role(role); err != nil {
					return err
				}
				secret, err := a.JWTSecret()
				if err != nil {
					return err
				}
				tok, err := server.IssueToken(secret, role, sub, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "actor the token identifies")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect vaultline.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with defaults applied",
		Long:  "Print the effective config. Without vaultline.yml under --root the built-in defaults are shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if p := viper.GetString("config"); p != "" {
				cfg, err = config.FromFile(p)
			} else {
				cfg, err = config.LoadOptional(viper.GetString("root"))
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check vaultline.yml without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config ok: roles %s\n", strings.Join(cfg.RoleNames(), ", "))
			return nil
		},
	})
	return cfgCmd
}

// --- helpers ---

func requireRole() (string, error) {
	role := strings.TrimSpace(viper.GetString("role"))
	if role == "" {
		return "", fmt.Errorf("--role required (or set VAULTLINE_ROLE)")
	}
	return role, nil
}

func loadConfig() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.Load(viper.GetString("root"))
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{
		Root:       viper.GetString("root"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
	})
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), a)
	return errors.Join(runErr, a.Close())
}

func withEngine(cmd *cobra.Command, fn func(context.Context, engine.Engine) error) error {
	role, err := requireRole()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		e, err := a.Engine(role)
		if err != nil {
			return err
		}
		return fn(ctx, e)
	})
}

func listen(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
