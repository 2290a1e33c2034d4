// Package store persists named script definitions and the history of their
// executions. State lives in a single JSON file written atomically;
// per-execution output archives are gzipped next to it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ErrScriptNotFound marks a lookup of an unknown script.
var ErrScriptNotFound = errors.New("script not found")

// Script is one stored script definition.
type Script struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	User        string            `json:"user,omitempty"`
	WorkDir     string            `json:"working_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Script      string            `json:"script_text"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ExecutionRecord is one finished run of a script.
type ExecutionRecord struct {
	ID         uuid.UUID `json:"id"`
	ScriptID   uuid.UUID `json:"script_id,omitempty"`
	ScriptName string    `json:"script_name"`
	State      string    `json:"state"`
	ExitCode   int       `json:"exit_code"`
	Failure    string    `json:"failure,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	LogFile    string    `json:"log_file,omitempty"`
}

type storeData struct {
	Scripts    []Script          `json:"scripts"`
	Executions []ExecutionRecord `json:"executions"`
}

// Store is safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	data storeData
}

// Open loads (or initializes) the store rooted at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating store directory: %w", err)
	}
	s := &Store{path: filepath.Join(dir, "store.json"), logger: logger}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("error reading %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &s.data); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", s.path, err)
	}
	return s, nil
}

// save writes the store atomically: write a temp file, sync it, rename over
// the live file, then sync the directory so the entry survives a crash.
// Callers hold at least a read lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	f, err := os.Open(tmp)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// AddScript upserts a script. Names are unique; adding an existing name
// replaces that definition and keeps its id.
func (s *Store) AddScript(script Script) (Script, error) {
	if strings.TrimSpace(script.Name) == "" {
		return Script{}, errors.New("script name must be set")
	}
	if strings.TrimSpace(script.Script) == "" {
		return Script{}, errors.New("script text must be set")
	}
	if script.ID == uuid.Nil {
		script.ID = uuid.New()
	}
	if script.CreatedAt.IsZero() {
		script.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Scripts {
		if s.data.Scripts[i].Name == script.Name {
			script.ID = s.data.Scripts[i].ID
			script.CreatedAt = s.data.Scripts[i].CreatedAt
			s.data.Scripts[i] = script
			return script, s.save()
		}
	}
	s.data.Scripts = append(s.data.Scripts, script)
	return script, s.save()
}

// GetScript returns the script with the given name.
func (s *Store) GetScript(name string) (Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.data.Scripts {
		if sc.Name == name {
			return sc, nil
		}
	}
	return Script{}, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
}

// ListScripts returns all scripts sorted by name.
func (s *Store) ListScripts() []Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Script(nil), s.data.Scripts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RemoveScript deletes a script definition. Its execution history is kept.
func (s *Store) RemoveScript(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Scripts {
		if s.data.Scripts[i].Name == name {
			s.data.Scripts = append(s.data.Scripts[:i], s.data.Scripts[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("%w: %s", ErrScriptNotFound, name)
}

func (s *Store) logsDir() string {
	return filepath.Join(filepath.Dir(s.path), "logs")
}

// RecordExecution appends a history record and archives the run's combined
// output gzipped. A failed archive write downgrades to a record without a
// log file; history must not fail because housekeeping did.
func (s *Store) RecordExecution(rec ExecutionRecord, output []byte) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.DurationMS == 0 && !rec.FinishedAt.IsZero() && !rec.StartedAt.IsZero() {
		rec.DurationMS = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	}

	if len(output) > 0 {
		logFile := rec.ID.String() + ".log.gz"
		if err := s.writeLog(logFile, output); err != nil {
			s.logger.Warn("execution log not archived", "execution", rec.ID.String(), "err", err)
		} else {
			rec.LogFile = logFile
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Executions = append(s.data.Executions, rec)
	return s.save()
}

func (s *Store) writeLog(name string, output []byte) error {
	if err := os.MkdirAll(s.logsDir(), 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(s.logsDir(), name))
	if err != nil {
		return err
	}
	defer f.Close()
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(output); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// History returns the execution records for a script name, oldest first.
func (s *Store) History(scriptName string) []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionRecord
	for _, rec := range s.data.Executions {
		if rec.ScriptName == scriptName {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ExecutionLog returns the archived combined output of a past run.
func (s *Store) ExecutionLog(execID uuid.UUID) ([]byte, error) {
	s.mu.RLock()
	var logFile string
	for _, rec := range s.data.Executions {
		if rec.ID == execID {
			logFile = rec.LogFile
			break
		}
	}
	s.mu.RUnlock()
	if logFile == "" {
		return nil, fmt.Errorf("no archived log for execution %s", execID)
	}

	f, err := os.Open(filepath.Join(s.logsDir(), logFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Definition is the YAML shape of a script definition file.
type Definition struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	// Host of the machine to run on. Empty means the local machine over
	// loopback SSH; the literal name "local" runs directly.
	Host    string            `yaml:"host,omitempty" json:"host,omitempty"`
	Port    int               `yaml:"port,omitempty" json:"port,omitempty"`
	User    string            `yaml:"user,omitempty" json:"user,omitempty"`
	WorkDir string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Script  string            `yaml:"script" json:"script"`
}

// ParseDefinition loads a script definition file using strict decoding.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.UnmarshalWithOptions(data, &def, yaml.Strict()); err != nil {
		return nil, err
	}
	var errs []string
	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, "name must be set")
	}
	if strings.TrimSpace(def.Script) == "" {
		errs = append(errs, "script must be set")
	}
	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	return &def, nil
}

// ToScript converts a parsed definition into a storable script.
func (d *Definition) ToScript() Script {
	return Script{
		Name:        d.Name,
		Description: d.Description,
		Host:        d.Host,
		Port:        d.Port,
		User:        d.User,
		WorkDir:     d.WorkDir,
		Env:         d.Env,
		Script:      d.Script,
	}
}
