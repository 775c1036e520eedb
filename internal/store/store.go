package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// Ext is the extension every document carries.
const Ext = ".md"

const (
	LogsDir      = "Logs"
	SignalsDir   = "Signals"
	DropDir      = "Drop"
	DashboardDoc = "Dashboard.md"
)

// Loc addresses one stage directory. Role selects the per-role namespace
// under In_Progress and is ignored for every other stage.
type Loc struct {
	Stage domain.Stage
	Role  string
}

func At(stage domain.Stage) Loc {
	return Loc{Stage: stage}
}

func InProgress(role string) Loc {
	return Loc{Stage: domain.StageInProgress, Role: role}
}

func (l Loc) String() string {
	if l.Stage == domain.StageInProgress && l.Role != "" {
		return string(l.Stage) + "/" + l.Role
	}
	return string(l.Stage)
}

// Store is a vault rooted at a directory. All coordination between agents
// goes through documents and the directory they live in.
type Store struct {
	root  string
	cache *docCache
	Now   func() time.Time
}

type Option func(*Store) error

// WithCache enables the parsed document cache with the given byte budget.
func WithCache(maxCostBytes int64) Option {
	return func(s *Store) error {
		c, err := newDocCache(maxCostBytes)
		if err != nil {
			return err
		}
		s.cache = c
		return nil
	}
}

// Open binds to an existing vault root. A missing root is fatal for callers.
func Open(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("vault root %s does not exist", abs)
		}
		return nil, fmt.Errorf("vault root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", abs)
	}
	s := &Store{root: abs, Now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Init creates every stage directory plus the per-role namespaces.
func (s *Store) Init(roles ...string) error {
	dirs := []string{LogsDir, SignalsDir, DropDir}
	for _, st := range domain.Stages() {
		dirs = append(dirs, st.Dir())
	}
	for _, r := range roles {
		dirs = append(dirs, filepath.Join(domain.StageInProgress.Dir(), r))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(s.root, d), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Close() {
	if s.cache != nil {
		s.cache.close()
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Dir returns the absolute directory of a location.
func (s *Store) Dir(loc Loc) string {
	if loc.Stage == domain.StageInProgress && loc.Role != "" {
		return filepath.Join(s.root, loc.Stage.Dir(), loc.Role)
	}
	return filepath.Join(s.root, loc.Stage.Dir())
}

func (s *Store) path(loc Loc, name string) string {
	return filepath.Join(s.Dir(loc), name)
}

// List returns the document names in a location sorted by name. Ordering is
// for display only.
func (s *Store) List(loc Loc) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(loc))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Roles lists the role namespaces that currently exist under In_Progress.
func (s *Store) Roles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, domain.StageInProgress.Dir()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var roles []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			roles = append(roles, e.Name())
		}
	}
	return roles, nil
}

// Read returns raw document bytes.
func (s *Store) Read(loc Loc, name string) ([]byte, error) {
	p := s.path(loc, name)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", loc, name, ErrNotFound)
		}
		return nil, err
	}
	if data, ok := s.cache.get(p, info); ok {
		return data, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", loc, name, ErrNotFound)
		}
		return nil, err
	}
	s.cache.set(p, info, data)
	return data, nil
}

func (s *Store) Exists(loc Loc, name string) bool {
	_, err := os.Stat(s.path(loc, name))
	return err == nil
}

// Write creates or overwrites a document atomically. Readers see either the
// old or the new content, never a partial file.
func (s *Store) Write(loc Loc, name string, data []byte) error {
	tmp, err := s.writeTemp(loc, name, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(loc, name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Create writes a new document and fails with ErrExists if the name is taken.
func (s *Store) Create(loc Loc, name string, data []byte) error {
	tmp, err := s.writeTemp(loc, name, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, s.path(loc, name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s/%s: %w", loc, name, ErrExists)
		}
		return err
	}
	return nil
}

func (s *Store) writeTemp(loc Loc, name string, data []byte) (string, error) {
	dir := s.Dir(loc)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// Move renames a document between locations. When two callers race on the
// same source exactly one succeeds; the other gets ErrNotFound.
func (s *Store) Move(from Loc, name string, to Loc, newName string) error {
	if newName == "" {
		newName = name
	}
	dst := s.path(to, newName)
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s/%s: %w", to, newName, ErrExists)
	}
	if err := os.MkdirAll(s.Dir(to), 0o755); err != nil {
		return err
	}
	src := s.path(from, name)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", from, name, ErrNotFound)
		}
		return err
	}
	s.cache.del(src)
	return nil
}

// Remove deletes a document. Only used for derived files.
func (s *Store) Remove(loc Loc, name string) error {
	p := s.path(loc, name)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", loc, name, ErrNotFound)
		}
		return err
	}
	s.cache.del(p)
	return nil
}

// ClaimSep joins the holding role and the document name of a claim.
const ClaimSep = "__"

// Find locates a document by name across stages, including every role
// namespace under In_Progress, where it may sit under its claim name.
func (s *Store) Find(name string) (Loc, bool) {
	for _, st := range domain.Stages() {
		if st == domain.StageInProgress {
			roles, _ := s.Roles()
			for _, r := range roles {
				if s.Exists(InProgress(r), name) || s.Exists(InProgress(r), r+ClaimSep+name) {
					return InProgress(r), true
				}
			}
			continue
		}
		if s.Exists(At(st), name) {
			return At(st), true
		}
	}
	return Loc{}, false
}

// WriteFile atomically writes a file relative to the vault root. Used for
// derived documents that live outside stage directories.
func (s *Store) WriteFile(rel string, data []byte) error {
	p := filepath.Join(s.root, rel)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
