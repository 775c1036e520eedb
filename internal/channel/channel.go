// Package channel defines the collaborator port that performs an approved
// request's side effect, and the registry that routes action kinds to it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"vaultline/internal/config"
	"vaultline/internal/domain"
)

// ErrNotConfigured is returned when a channel lacks required settings.
var ErrNotConfigured = errors.New("channel: not configured")

// ErrNoChannel is returned when no channel serves an action kind.
var ErrNoChannel = errors.New("channel: no channel for action kind")

// Channel performs one approved request. Implementations must honor ctx and
// should be idempotent by request id where the target allows it.
type Channel interface {
	Name() string
	Execute(ctx context.Context, r domain.ApprovalRequest) error
}

// Env resolves environment variables named in config.
type Env func(key string) string

// Factory builds a channel of one type from its config entry. root is the
// vault root, for channels that keep local state.
type Factory func(name string, cfg config.Channel, root string, env Env) (Channel, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterType makes a channel type available. Adapters call it from init.
func RegisterType(typ string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[typ]; exists {
		panic(fmt.Sprintf("channel: duplicate registration for %q", typ))
	}
	factories[typ] = f
}

// Types returns the registered channel types.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds a channel by type.
func New(name string, cfg config.Channel, root string, env Env) (Channel, error) {
	mu.RLock()
	f, ok := factories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %s: unknown type %q (registered: %s)", name, cfg.Type, strings.Join(Types(), ", "))
	}
	return f(name, cfg, root, env)
}

// Registry routes action kinds to channels.
type Registry struct {
	byKind map[string]Channel
	byName map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{byKind: map[string]Channel{}, byName: map[string]Channel{}}
}

// Route sends an action kind to ch.
func (r *Registry) Route(kind string, ch Channel) {
	r.byKind[kind] = ch
	r.byName[ch.Name()] = ch
}

// Lookup returns the channel for kind.
func (r *Registry) Lookup(kind string) (Channel, error) {
	ch, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, kind)
	}
	return ch, nil
}

// Kinds returns the routed action kinds.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Execute runs req through the channel routed for its action kind. It has
// the shape of engine.ActionFunc.
func (r *Registry) Execute(ctx context.Context, req domain.ApprovalRequest) error {
	ch, err := r.Lookup(req.ActionKind)
	if err != nil {
		return err
	}
	return ch.Execute(ctx, req)
}

// Close releases channels that hold resources.
func (r *Registry) Close() error {
	var errs []error
	for _, ch := range r.byName {
		if c, ok := ch.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds every configured channel, wraps each in a breaker and
// routes the action kinds that name it.
func FromConfig(cfg *config.Config, root string, env Env) (*Registry, error) {
	reg := NewRegistry()
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cc := cfg.Channels[name]
		ch, err := New(name, cc, root, env)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		reg.byName[name] = WithBreaker(ch, cc.Breaker.MaxFailures, cc.Breaker.Timeout)
	}
	for kind, p := range cfg.Approval.Actions {
		if ch, ok := reg.byName[p.Channel]; ok {
			reg.byKind[kind] = ch
		}
	}
	return reg, nil
}
