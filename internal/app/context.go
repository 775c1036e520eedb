// Package app wires a vault root into engines, loops and servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"vaultline/internal/agent"
	"vaultline/internal/audit"
	"vaultline/internal/channel"
	"vaultline/internal/config"
	"vaultline/internal/dashboard"
	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/engine/auth"
	"vaultline/internal/logger"
	"vaultline/internal/migrate"
	"vaultline/internal/planner"
	"vaultline/internal/repo"
	"vaultline/internal/server"
	"vaultline/internal/store"
	"vaultline/internal/vaultsync"
)

// Options selects the vault and overrides file settings.
type Options struct {
	Root string
	// ConfigPath defaults to <root>/vaultline.yml.
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// App holds everything opened for one vault root. Audit logs are cached so
// every component acting as a role shares one monotonic log.
type App struct {
	Root   string
	Config *config.Config
	Store  *store.Store
	Logger *slog.Logger

	mu      sync.Mutex
	audits  map[string]*audit.Log
	closers []func() error
}

// Open loads and validates config, then binds the store.
func Open(opts Options) (*App, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("vault root: %w", err)
	}
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(root)
	}
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if !logger.ValidLevel(cfg.Logging.Level) {
		return nil, fmt.Errorf("invalid log level %q", cfg.Logging.Level)
	}
	st, err := store.Open(root, store.WithCache(cfg.Agent.CacheBytes))
	if err != nil {
		return nil, err
	}
	if err := st.Init(cfg.RoleNames()...); err != nil {
		st.Close()
		return nil, err
	}
	return &App{
		Root:   st.Root(),
		Config: cfg,
		Store:  st,
		Logger: logger.New(cfg.Logging),
		audits: map[string]*audit.Log{},
	}, nil
}

// Close releases channels, connections and the store cache.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	a.Store.Close()
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// AuditDir is where every role's partitions live.
func (a *App) AuditDir() string {
	return filepath.Join(a.Root, store.LogsDir)
}

func (a *App) auditLog(role string) *audit.Log {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.audits[role]
	if !ok {
		l = audit.New(a.AuditDir(), role)
		a.audits[role] = l
	}
	return l
}

// Engine returns the engine acting as role. Unknown roles are an error.
func (a *App) Engine(role string) (engine.Engine, error) {
	r, err := a.Config.Role(role)
	if err != nil {
		return engine.Engine{}, err
	}
	e := engine.New(a.Store, a.Config, r, a.auditLog(role))
	e.Logger = a.Logger.With("role", role)
	return e, nil
}

// Planner is nil when no planner command is configured.
func (a *App) Planner() planner.Planner {
	pc := a.Config.Planner
	if pc.Command == "" {
		return nil
	}
	return planner.Command{Path: pc.Command, Args: pc.Args, Timeout: pc.Timeout, Dir: a.Root}
}

// Channels builds the channel registry. It is closed with the app.
func (a *App) Channels() (*channel.Registry, error) {
	reg, err := channel.FromConfig(a.Config, a.Root, os.Getenv)
	if err != nil {
		return nil, err
	}
	a.onClose(reg.Close)
	return reg, nil
}

// Publisher builds the snapshot publisher for a role, with a NATS sink when
// signals.nats_url is set.
func (a *App) Publisher(e engine.Engine) (*dashboard.Publisher, error) {
	p := &dashboard.Publisher{
		Store:     a.Store,
		AuditDir:  a.AuditDir(),
		Role:      e.Role.Name,
		Recent:    a.Config.Signals.Recent,
		Dashboard: e.Role.Has(auth.PermDashboardWrite),
		Logger:    e.Logger,
		Now:       e.Now,
	}
	if url := a.Config.Signals.NATSURL; url != "" {
		subject := dashboard.Subject(a.Config.Signals.Subject, e.Role.Name)
		sink, err := dashboard.ConnectNATS(url, subject, "vaultline-"+e.Role.Name)
		if err != nil {
			return nil, err
		}
		a.onClose(sink.Close)
		p.Sinks = append(p.Sinks, sink)
	}
	return p, nil
}

// Agent assembles the poll loop for a role. The watcher is nil unless
// agent.watch is set; the caller runs it next to the loop.
func (a *App) Agent(role string) (*agent.Runner, *agent.Watcher, error) {
	e, err := a.Engine(role)
	if err != nil {
		return nil, nil, err
	}
	cfg := a.Config
	r := &agent.Runner{
		Engine:        e,
		Interval:      cfg.Agent.PollInterval,
		ItemTimeout:   cfg.Agent.ItemTimeout,
		MaxIterations: cfg.Agent.MaxIterations,
		Logger:        e.Logger,
	}
	if e.Role.Has(auth.PermTaskClaim) {
		r.Planner = a.Planner()
	}
	if e.Role.Has(auth.PermActionExecute) {
		reg, err := a.Channels()
		if err != nil {
			return nil, nil, err
		}
		r.Action = reg.Execute
		e.Logger.Info("channels routed", "kinds", reg.Kinds())
	}
	if r.Publisher, err = a.Publisher(e); err != nil {
		return nil, nil, err
	}
	if r.Scheduler, err = agent.NewScheduler(cfg.Schedule, e); err != nil {
		return nil, nil, err
	}
	if cfg.Ingest.Role == "" || cfg.Ingest.Role == role {
		r.Ingestor = &agent.Ingestor{
			Engine:     e,
			Dir:        filepath.Join(a.Root, cfg.Ingest.DropDir),
			Extensions: cfg.Ingest.Extensions,
			Logger:     e.Logger,
		}
	}
	if !cfg.Agent.Watch {
		return r, nil, nil
	}
	dirs := []string{
		a.Store.Dir(store.At(domain.StageApproved)),
		a.Store.Dir(store.At(domain.StagePendingApproval)),
		filepath.Join(a.Root, cfg.Ingest.DropDir),
	}
	for _, s := range e.Role.Sources {
		dirs = append(dirs, a.Store.Dir(store.At(s)))
	}
	w, err := agent.NewWatcher(dirs, agent.DefaultDebounce, e.Logger)
	if err != nil {
		return nil, nil, err
	}
	r.Wake = w.Wake()
	return r, w, nil
}

// Reconciler builds the sync reconciler, auditing as role.
func (a *App) Reconciler(role string) *vaultsync.Reconciler {
	sc := a.Config.Sync
	return &vaultsync.Reconciler{
		Root:    a.Root,
		Remote:  sc.Remote,
		Branch:  sc.Branch,
		Exclude: sc.Exclude,
		Author:  sc.Author,
		Email:   sc.Email,
		Pool:    vaultsync.NewPool(1),
		Audit:   a.auditLog(role),
		Logger:  a.Logger.With("role", role, "component", "sync"),
	}
}

// Ledger opens the first configured ledger channel's database for reading.
// It returns nil when no ledger is configured.
func (a *App) Ledger(ctx context.Context) (*repo.Repo, error) {
	for _, name := range sortedChannels(a.Config) {
		cc := a.Config.Channels[name]
		if cc.Type != "ledger" {
			continue
		}
		conn, err := db.Open(db.Path(a.Root, cc.Path))
		if err != nil {
			return nil, err
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		a.onClose(conn.Close)
		return &repo.Repo{DB: conn}, nil
	}
	return nil, nil
}

// JWTSecret reads the signing secret from the configured variable.
func (a *App) JWTSecret() (string, error) {
	env := a.Config.Server.JWTSecretEnv
	secret := os.Getenv(env)
	if secret == "" {
		return "", fmt.Errorf("%s is required for bearer auth", env)
	}
	return secret, nil
}

// Server builds the approvals API handler.
func (a *App) Server(ctx context.Context) (http.Handler, error) {
	secret, err := a.JWTSecret()
	if err != nil {
		return nil, err
	}
	ledger, err := a.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		Engines:  a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: secret},
		Recent:   a.Config.Signals.Recent,
		Ledger:   ledger,
	})
}

func sortedChannels(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
