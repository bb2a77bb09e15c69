package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/team"
)

// MarshalState encodes s as indented JSON.
func MarshalState(s State) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// ParseState decodes a State. Malformed or inconsistent input yields
// (nil, error) wrapping errors.ErrMalformedState.
func ParseState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedState, err.Error())
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.Tasks == nil {
		s.Tasks = []Task{}
	}
	for i := range s.Tasks {
		if s.Tasks[i].BlockedBy == nil {
			s.Tasks[i].BlockedBy = []string{}
		}
		if s.Tasks[i].Blocks == nil {
			s.Tasks[i].Blocks = []string{}
		}
	}
	return &s, nil
}

func (s State) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: workflow has no id", errors.ErrMalformedState)
	}
	if !s.Status.valid() {
		return fmt.Errorf("%w: unknown workflow status %q", errors.ErrMalformedState, s.Status)
	}
	ids := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		switch {
		case t.ID == "":
			return fmt.Errorf("%w: task without id", errors.ErrMalformedState)
		case ids[t.ID]:
			return fmt.Errorf("%w: duplicate task %s", errors.ErrMalformedState, t.ID)
		case !t.Status.valid():
			return fmt.Errorf("%w: task %s has unknown status %q", errors.ErrMalformedState, t.ID, t.Status)
		case t.RetryCount < 0 || t.RetryCount > t.MaxRetries:
			return fmt.Errorf("%w: task %s retry count %d outside [0,%d]", errors.ErrMalformedState, t.ID, t.RetryCount, t.MaxRetries)
		}
		ids[t.ID] = true
	}
	for _, t := range s.Tasks {
		for _, dep := range t.BlockedBy {
			if !ids[dep] {
				return fmt.Errorf("%w: task %s blocked by unknown task %s", errors.ErrMalformedState, t.ID, dep)
			}
		}
		for _, dep := range t.Blocks {
			if !ids[dep] {
				return fmt.Errorf("%w: task %s blocks unknown task %s", errors.ErrMalformedState, t.ID, dep)
			}
		}
	}
	return nil
}

// Store persists workflow aggregates. Implementations must round-trip
// every aggregate through JSON.
type Store interface {
	SaveWorkflow(s State) error
	LoadWorkflow(id string) (*State, error)
	ListWorkflows() ([]string, error)
	SaveRetryStates(workflowID string, states map[string]retry.State) error
	LoadRetryStates(workflowID string) (map[string]retry.State, error)
	SaveTeam(workflowID string, d team.Definition) error
	LoadTeam(workflowID string) (*team.Definition, error)
}

const (
	workflowsDir     = "workflows"
	workflowFileName = "workflow.json"
	retryFileName    = "retry.json"
	teamFileName     = "team.json"
)

// FileStore keeps each workflow in its own directory under
// <root>/workflows/<id>/. Writes are atomic (temp file and rename) and
// guarded by a per-workflow flock.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Dir returns the directory holding a workflow's files.
func (fs *FileStore) Dir(workflowID string) string {
	return filepath.Join(fs.root, workflowsDir, workflowID)
}

// SaveWorkflow implements Store.
func (fs *FileStore) SaveWorkflow(s State) error {
	data, err := MarshalState(s)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	return fs.write(s.ID, workflowFileName, data)
}

// LoadWorkflow implements Store.
func (fs *FileStore) LoadWorkflow(id string) (*State, error) {
	data, err := fs.read(id, workflowFileName)
	if err != nil {
		return nil, err
	}
	return ParseState(data)
}

// ListWorkflows implements Store.
func (fs *FileStore) ListWorkflows() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, workflowsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.root, workflowsDir, e.Name(), workflowFileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveRetryStates implements Store.
func (fs *FileStore) SaveRetryStates(workflowID string, states map[string]retry.State) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal retry states: %w", err)
	}
	return fs.write(workflowID, retryFileName, data)
}

// LoadRetryStates implements Store. A workflow without saved retry
// states yields an empty map.
func (fs *FileStore) LoadRetryStates(workflowID string) (map[string]retry.State, error) {
	data, err := fs.read(workflowID, retryFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]retry.State{}, nil
		}
		return nil, err
	}
	return parseRetryStates(data)
}

// SaveTeam implements Store.
func (fs *FileStore) SaveTeam(workflowID string, d team.Definition) error {
	data, err := team.MarshalDefinition(d)
	if err != nil {
		return fmt.Errorf("marshal team: %w", err)
	}
	return fs.write(workflowID, teamFileName, data)
}

// LoadTeam implements Store.
func (fs *FileStore) LoadTeam(workflowID string) (*team.Definition, error) {
	data, err := fs.read(workflowID, teamFileName)
	if err != nil {
		return nil, err
	}
	return team.ParseDefinition(data)
}

// AcquireRun takes the run lock of a workflow without blocking. The
// caller holds it for as long as it drives the workflow and releases it
// with Unlock. A workflow driven by another process yields an error
// wrapping errors.ErrWorkflowRunning.
func (fs *FileStore) AcquireRun(workflowID string) (*FileLock, error) {
	if workflowID == "" {
		return nil, errors.NewValidationError("workflow id is required").WithField("id")
	}
	dir := fs.Dir(workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow dir: %w", err)
	}
	fl := NewRunLock(dir)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, errors.NewWorkflowError("another crucible process is driving it", errors.ErrWorkflowRunning).
			WithWorkflowID(workflowID)
	}
	return fl, nil
}

// Running reports whether some process holds the run lock of a workflow.
func (fs *FileStore) Running(workflowID string) (bool, error) {
	dir := fs.Dir(workflowID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat workflow dir: %w", err)
	}
	fl := NewRunLock(dir)
	ok, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe run lock: %w", err)
	}
	if !ok {
		return true, nil
	}
	return false, fl.Unlock()
}

func (fs *FileStore) write(workflowID, name string, data []byte) error {
	if workflowID == "" {
		return errors.NewValidationError("workflow id is required").WithField("id")
	}
	dir := fs.Dir(workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflow dir: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	target := filepath.Join(dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (fs *FileStore) read(workflowID, name string) ([]byte, error) {
	dir := fs.Dir(workflowID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("workflow", workflowID).WithCause(os.ErrNotExist)
		}
		return nil, fmt.Errorf("stat workflow dir: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func parseRetryStates(data []byte) (map[string]retry.State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedState, err.Error())
	}
	out := make(map[string]retry.State, len(raw))
	for id, msg := range raw {
		st, err := retry.ParseState(msg)
		if err != nil {
			return nil, fmt.Errorf("retry state %s: %w", id, err)
		}
		out[id] = *st
	}
	return out, nil
}

// MemoryStore is an in-process Store. It keeps serialized JSON so that
// loads exercise the same parsers as the FileStore.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte)}
}

func memKey(workflowID, name string) string {
	return workflowID + "/" + name
}

func (m *MemoryStore) put(workflowID, name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[memKey(workflowID, name)] = data
}

func (m *MemoryStore) get(workflowID, name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[memKey(workflowID, name)]
	return data, ok
}

// SaveWorkflow implements Store.
func (m *MemoryStore) SaveWorkflow(s State) error {
	data, err := MarshalState(s)
	if err != nil {
		return err
	}
	m.put(s.ID, workflowFileName, data)
	return nil
}

// LoadWorkflow implements Store.
func (m *MemoryStore) LoadWorkflow(id string) (*State, error) {
	data, ok := m.get(id, workflowFileName)
	if !ok {
		return nil, errors.NewNotFoundError("workflow", id)
	}
	return ParseState(data)
}

// ListWorkflows implements Store.
func (m *MemoryStore) ListWorkflows() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	suffix := "/" + workflowFileName
	for k := range m.files {
		if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
			ids = append(ids, k[:len(k)-len(suffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveRetryStates implements Store.
func (m *MemoryStore) SaveRetryStates(workflowID string, states map[string]retry.State) error {
	data, err := json.Marshal(states)
	if err != nil {
		return err
	}
	m.put(workflowID, retryFileName, data)
	return nil
}

// LoadRetryStates implements Store.
func (m *MemoryStore) LoadRetryStates(workflowID string) (map[string]retry.State, error) {
	data, ok := m.get(workflowID, retryFileName)
	if !ok {
		return map[string]retry.State{}, nil
	}
	return parseRetryStates(data)
}

// SaveTeam implements Store.
func (m *MemoryStore) SaveTeam(workflowID string, d team.Definition) error {
	data, err := team.MarshalDefinition(d)
	if err != nil {
		return err
	}
	m.put(workflowID, teamFileName, data)
	return nil
}

// LoadTeam implements Store.
func (m *MemoryStore) LoadTeam(workflowID string) (*team.Definition, error) {
	data, ok := m.get(workflowID, teamFileName)
	if !ok {
		return nil, errors.NewNotFoundError("team", workflowID)
	}
	return team.ParseDefinition(data)
}
