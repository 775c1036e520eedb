package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/engine"
)

// ChannelFileDrop is the channel of tasks created from dropped files.
const ChannelFileDrop = "file_drop"

// IngestedDir holds dropped files once their task exists.
const IngestedDir = ".ingested"

// Ingestor turns files placed in the drop folder into tasks.
type Ingestor struct {
	Engine engine.Engine
	Dir    string
	// Extensions filters by lowercase suffix; empty accepts every file.
	Extensions []string
	Logger     *slog.Logger
}

func (in *Ingestor) log() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

func (in *Ingestor) accepts(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if len(in.Extensions) == 0 {
		return true
	}
	return slices.Contains(in.Extensions, strings.ToLower(filepath.Ext(name)))
}

// Ingest creates one file_drop task per accepted file and returns the task
// ids. The file is moved aside before its task is created, so a file is
// never ingested twice; if creation fails it is moved back.
func (in *Ingestor) Ingest(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(in.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	done := filepath.Join(in.Dir, IngestedDir)
	var ids []string
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || !in.accepts(e.Name()) {
			continue
		}
		id, err := in.ingest(ctx, done, e)
		if err != nil {
			in.log().Warn("ingest failed", "file", e.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, errors.Join(errs...)
}

func (in *Ingestor) ingest(ctx context.Context, done string, e os.DirEntry) (string, error) {
	info, err := e.Info()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(done, 0o755); err != nil {
		return "", err
	}
	now := time.Now
	if in.Engine.Now != nil {
		now = in.Engine.Now
	}
	id := engine.NewTaskID(ChannelFileDrop, now().UTC())
	src := filepath.Join(in.Dir, e.Name())
	dst := filepath.Join(done, id+"__"+e.Name())
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// picked up by another ingestor
			return "", nil
		}
		return "", err
	}
	rel := dst
	if r, err := filepath.Rel(in.Engine.Store.Root(), dst); err == nil {
		rel = filepath.ToSlash(r)
	}
	body := fmt.Sprintf("A file was dropped for processing.\n\n- name: %s\n- size: %d bytes\n- stored at: %s\n", e.Name(), info.Size(), rel)
	_, err = in.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		ID:       id,
		Channel:  ChannelFileDrop,
		Title:    "Process dropped file " + e.Name(),
		Body:     body,
		Priority: domain.PriorityMedium,
	})
	if err != nil {
		if rerr := os.Rename(dst, src); rerr != nil {
			in.log().Error("restore dropped file failed", "file", e.Name(), "err", rerr)
		}
		return "", err
	}
	in.log().Info("dropped file ingested", "file", e.Name(), "task", id)
	return id, nil
}
