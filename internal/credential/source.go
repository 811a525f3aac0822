// ABOUTME: Credential discovery sources: auth files in a directory, environment variables, SQLite.
// ABOUTME: Sources only enumerate raw payloads; validation happens in the Pool.

package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// RawProfile is an undecoded credential as read from a Source.
type RawProfile struct {
	Index   int
	Payload []byte
}

// Source enumerates candidate credential profiles.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]RawProfile, error)
}

var authFilePattern = regexp.MustCompile(`^auth-(\d+)\.json$`)

// DirSource reads auth-<N>.json files from a directory.
type DirSource struct {
	Dir string
}

// Name implements Source.
func (s *DirSource) Name() string { return "dir:" + s.Dir }

// Load implements Source. Files that do not match the naming scheme are ignored.
func (s *DirSource) Load(ctx context.Context) ([]RawProfile, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading credential dir: %w", err)
	}

	var out []RawProfile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := authFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		out = append(out, RawProfile{Index: idx, Payload: data})
	}
	return out, nil
}

const envPrefix = "AUTH_JSON_"

// EnvSource reads AUTH_JSON_<N> environment variables.
type EnvSource struct {
	// Environ defaults to os.Environ when nil.
	Environ func() []string
}

// Name implements Source.
func (s *EnvSource) Name() string { return "env" }

// Load implements Source.
func (s *EnvSource) Load(ctx context.Context) ([]RawProfile, error) {
	environ := s.Environ
	if environ == nil {
		environ = os.Environ
	}

	var out []RawProfile
	for _, kv := range environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(key, envPrefix))
		if err != nil || idx < 0 {
			continue
		}
		out = append(out, RawProfile{Index: idx, Payload: []byte(value)})
	}
	return out, nil
}

// SQLiteSource reads the credentials table of a SQLite database.
// The gateway never writes to it; provisioning is done by operator tooling.
type SQLiteSource struct {
	Path string
}

// Name implements Source.
func (s *SQLiteSource) Name() string { return "sqlite:" + s.Path }

// Load implements Source.
func (s *SQLiteSource) Load(ctx context.Context) ([]RawProfile, error) {
	db, err := sql.Open("sqlite", s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening credential database: %w", err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, `SELECT idx, payload FROM credentials ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RawProfile
	for rows.Next() {
		var (
			idx     int
			payload sql.NullString
		)
		if err := rows.Scan(&idx, &payload); err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		if idx < 0 {
			continue
		}
		out = append(out, RawProfile{Index: idx, Payload: []byte(payload.String)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}
	return out, nil
}

// CreateSQLiteSchema creates the credentials table if it does not exist.
// Used by provisioning tools and tests.
func CreateSQLiteSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			idx INTEGER PRIMARY KEY,
			name TEXT,
			payload TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("creating credentials table: %w", err)
	}
	return nil
}

// ErrUnknownSource indicates a source kind that NewSource does not recognize.
var ErrUnknownSource = errors.New("unknown credential source")

// NewSource builds a Source for the configured kind ("dir", "env", "sqlite").
func NewSource(kind, dir, sqlitePath string) (Source, error) {
	switch kind {
	case "dir":
		return &DirSource{Dir: dir}, nil
	case "env":
		return &EnvSource{}, nil
	case "sqlite":
		return &SQLiteSource{Path: sqlitePath}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, kind)
	}
}
