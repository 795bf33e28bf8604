// Package persistence saves and restores every memory store as one versioned
// JSON snapshot.
package persistence

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/memory"
)

// SchemaName identifies finmem snapshots.
const SchemaName = "finmem.snapshot"

// CurrentVersion is the snapshot version Save writes.
const CurrentVersion = 2

var (
	// ErrIncompatibleVersion is returned for snapshots that are newer than
	// CurrentVersion or that no migration path can upgrade.
	ErrIncompatibleVersion = errors.New("incompatible snapshot version")
	// ErrInvalidSnapshot is returned when a snapshot fails schema validation.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	// ErrNoSnapshot is returned by backends that hold nothing yet.
	ErrNoSnapshot = errors.New("no snapshot")
)

// PersistenceError wraps a failed save or load step.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence " + e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

//go:embed schema/*.json
var schemaFS embed.FS

// Backend stores the encoded snapshot. Write must replace the previous
// snapshot atomically.
type Backend interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Envelope is the self-describing snapshot document.
type Envelope struct {
	Schema    string          `json:"schema"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	State     json.RawMessage `json:"state"`
}

// Migration upgrades a decoded state from one version to the next.
type Migration func(state map[string]any) (map[string]any, error)

// Info describes a saved snapshot.
type Info struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Bytes     int       `json:"bytes"`
	Decisions int       `json:"decisions"`
	Records   int       `json:"records"`
}

// Manager snapshots and restores memory.Stores. It keeps no state between
// calls beyond its configuration.
type Manager struct {
	stores     *memory.Stores
	backend    Backend
	migrations map[int]Migration
	envelope   *gojsonschema.Schema
	state      *gojsonschema.Schema
	now        func() time.Time
	logger     *zap.Logger
}

// NewManager creates a manager with the built-in migration chain.
func NewManager(stores *memory.Stores, backend Backend, logger *zap.Logger) (*Manager, error) {
	envelope, err := loadSchema("schema/envelope.json")
	if err != nil {
		return nil, err
	}
	state, err := loadSchema("schema/state.json")
	if err != nil {
		return nil, err
	}
	return &Manager{
		stores:     stores,
		backend:    backend,
		migrations: defaultMigrations(),
		envelope:   envelope,
		state:      state,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}, nil
}

func loadSchema(name string) (*gojsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

// RegisterMigration adds the step upgrading from version to version+1.
func (m *Manager) RegisterMigration(from int, fn Migration) {
	m.migrations[from] = fn
}

// Save writes a point-in-time snapshot of every store through the backend.
func (m *Manager) Save(ctx context.Context) (Info, error) {
	st := m.stores.View()
	data, info, err := m.encode(st)
	if err != nil {
		return Info{}, &PersistenceError{Op: "encode", Err: err}
	}
	if err := m.backend.Write(ctx, data); err != nil {
		return Info{}, &PersistenceError{Op: "write", Err: err}
	}
	m.logger.Info("snapshot saved",
		zap.Int("version", info.Version),
		zap.Int("bytes", info.Bytes),
		zap.Int("decisions", info.Decisions))
	return info, nil
}

func (m *Manager) encode(st memory.State) ([]byte, Info, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, Info{}, err
	}
	env := Envelope{
		Schema:    SchemaName,
		Version:   CurrentVersion,
		CreatedAt: m.now(),
		State:     raw,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, Info{}, err
	}
	return data, Info{
		Version:   env.Version,
		CreatedAt: env.CreatedAt,
		Bytes:     len(data),
		Decisions: len(st.Autobiographical),
		Records:   len(st.ShortTerm) + len(st.LongTerm),
	}, nil
}

// Load reads, validates and migrates the stored snapshot, then replaces all
// in-memory state in one step. On any error the stores are untouched.
func (m *Manager) Load(ctx context.Context) (Info, error) {
	data, err := m.backend.Read(ctx)
	if err != nil {
		return Info{}, &PersistenceError{Op: "read", Err: err}
	}
	st, info, err := m.Decode(data)
	if err != nil {
		return Info{}, &PersistenceError{Op: "decode", Err: err}
	}
	m.stores.Restore(st)
	m.stores.LongTerm.Reindex(ctx)
	m.logger.Info("snapshot loaded",
		zap.Int("version", info.Version),
		zap.Int("decisions", info.Decisions),
		zap.Int("records", info.Records))
	return info, nil
}

// Decode validates and migrates data into a State without touching any store.
func (m *Manager) Decode(data []byte) (memory.State, Info, error) {
	if err := validate(m.envelope, data); err != nil {
		return memory.State{}, Info{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return memory.State{}, Info{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if env.Version > CurrentVersion {
		return memory.State{}, Info{}, fmt.Errorf("%w: version %d is newer than %d",
			ErrIncompatibleVersion, env.Version, CurrentVersion)
	}

	raw := []byte(env.State)
	if env.Version < CurrentVersion {
		migrated, err := m.migrate(env.Version, raw)
		if err != nil {
			return memory.State{}, Info{}, err
		}
		raw = migrated
	}
	if err := validate(m.state, raw); err != nil {
		return memory.State{}, Info{}, err
	}

	var st memory.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return memory.State{}, Info{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := st.Validate(); err != nil {
		return memory.State{}, Info{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return st, Info{
		Version:   env.Version,
		CreatedAt: env.CreatedAt,
		Bytes:     len(data),
		Decisions: len(st.Autobiographical),
		Records:   len(st.ShortTerm) + len(st.LongTerm),
	}, nil
}

func (m *Manager) migrate(from int, raw []byte) ([]byte, error) {
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	for v := from; v < CurrentVersion; v++ {
		step, ok := m.migrations[v]
		if !ok {
			return nil, fmt.Errorf("%w: no migration from version %d", ErrIncompatibleVersion, v)
		}
		next, err := step(state)
		if err != nil {
			return nil, fmt.Errorf("migrate version %d: %w", v, err)
		}
		state = next
		m.logger.Debug("snapshot migrated", zap.Int("from", v), zap.Int("to", v+1))
	}
	return json.Marshal(state)
}

func validate(schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(msgs, "; "))
}

// defaultMigrations upgrades version 1 snapshots, which kept the
// reinforcement table under "weights" and prospective memory as a bare list
// of triggers without considerations.
func defaultMigrations() map[int]Migration {
	return map[int]Migration{
		1: func(state map[string]any) (map[string]any, error) {
			if w, ok := state["weights"]; ok {
				state["reinforcement"] = w
				delete(state, "weights")
			}
			if _, ok := state["reinforcement"]; !ok {
				state["reinforcement"] = map[string]any{}
			}
			switch p := state["prospective"].(type) {
			case []any:
				state["prospective"] = map[string]any{"triggers": p, "considerations": []any{}}
			case nil:
				state["prospective"] = map[string]any{"triggers": []any{}, "considerations": []any{}}
			}
			if _, ok := state["procedural"]; !ok {
				state["procedural"] = nil
			}
			return state, nil
		},
	}
}
