package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrRunNotFound is returned when no persisted run matches an ID.
var ErrRunNotFound = errors.New("pipeline: run not found")

// Repository persists runs between invocations.
type Repository interface {
	Save(ctx context.Context, run *Run) error
	Load(ctx context.Context, id string) (*Run, error)
	// Latest returns the most recently updated run.
	Latest(ctx context.Context) (*Run, error)
	// List returns run summaries, most recently updated first.
	List(ctx context.Context) ([]Summary, error)
}

// FileRepository stores one JSON document per run under dir/runs.
type FileRepository struct {
	mu  sync.Mutex
	dir string
}

// NewFileRepository returns a repository rooted at stateDir.
func NewFileRepository(stateDir string) *FileRepository {
	return &FileRepository{dir: filepath.Join(stateDir, "runs")}
}

// Dir returns the directory holding run files.
func (r *FileRepository) Dir() string { return r.dir }

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// Save writes the run atomically: a temp file in the same directory is
// renamed over the previous version.
func (r *FileRepository) Save(_ context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return errors.New("pipeline: cannot save run without ID")
	}
	if err := validID(run.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	tmp, err := os.CreateTemp(r.dir, run.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write run %s: %w", run.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close run %s: %w", run.ID, err)
	}
	if err := os.Rename(tmp.Name(), r.path(run.ID)); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	return nil
}

// Load reads a run by ID.
func (r *FileRepository) Load(_ context.Context, id string) (*Run, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(r.path(id))
}

func (r *FileRepository) read(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", path, err)
	}
	return &run, nil
}

// List implements Repository. Unreadable files are skipped.
func (r *FileRepository) List(_ context.Context) ([]Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		run, err := r.read(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, run.Summary())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Latest implements Repository.
func (r *FileRepository) Latest(ctx context.Context) (*Run, error) {
	runs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no runs in %s", ErrRunNotFound, r.dir)
	}
	return r.Load(ctx, runs[0].ID)
}

// Resolve loads id, or the latest run when id is empty.
func Resolve(ctx context.Context, repo Repository, id string) (*Run, error) {
	if id == "" {
		return repo.Latest(ctx)
	}
	return repo.Load(ctx, id)
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("pipeline: invalid run id %q", id)
	}
	return nil
}
