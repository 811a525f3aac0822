// ABOUTME: Tests for credential discovery sources and the rotation pool.
// ABOUTME: Covers validation partitioning, round-robin Next and each Source kind.

package credential

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	raws []RawProfile
	err  error
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Load(context.Context) ([]RawProfile, error) {
	return s.raws, s.err
}

func newTestPool(t *testing.T, raws ...RawProfile) *Pool {
	t.Helper()
	pool, err := NewPool(context.Background(), &staticSource{raws: raws}, slog.Default())
	require.NoError(t, err)
	return pool
}

func TestNewPool_PartitionsValidAndInvalid(t *testing.T) {
	pool := newTestPool(t,
		RawProfile{Index: 7, Payload: []byte(`{"cookies":[]}`)},
		RawProfile{Index: 1, Payload: []byte(`{"accountName":"first@example.com"}`)},
		RawProfile{Index: 4, Payload: []byte(`not json`)},
		RawProfile{Index: 3, Payload: []byte(`{}`)},
		RawProfile{Index: 9, Payload: []byte(`[1,2]`)},
		RawProfile{Index: 11, Payload: []byte(`null`)},
	)

	assert.Equal(t, []int{1, 3, 7}, pool.Valid())
	assert.Equal(t, []int{4, 9, 11}, pool.Invalid())
	assert.Equal(t, []int{1, 3, 4, 7, 9, 11}, pool.Discover())

	for _, idx := range pool.Invalid() {
		assert.False(t, pool.Contains(idx), "invalid index %d must not be rotation-eligible", idx)
		prof, ok := pool.Get(idx)
		require.True(t, ok)
		assert.False(t, prof.Valid)
	}

	prof, ok := pool.Get(1)
	require.True(t, ok)
	assert.Equal(t, "first@example.com", prof.DisplayName)

	prof, _ = pool.Get(3)
	assert.Equal(t, "auth-3", prof.DisplayName)
}

func TestNewPool_DuplicateIndexKeepsFirst(t *testing.T) {
	pool := newTestPool(t,
		RawProfile{Index: 2, Payload: []byte(`{"email":"a@example.com"}`)},
		RawProfile{Index: 2, Payload: []byte(`{"email":"b@example.com"}`)},
	)

	assert.Equal(t, []int{2}, pool.Valid())
	prof, _ := pool.Get(2)
	assert.Equal(t, "a@example.com", prof.DisplayName)
}

func TestNewPool_NoValidCredentials(t *testing.T) {
	_, err := NewPool(context.Background(), &staticSource{raws: []RawProfile{
		{Index: 1, Payload: []byte(`oops`)},
	}}, slog.Default())
	assert.ErrorIs(t, err, ErrNoValidCredentials)

	_, err = NewPool(context.Background(), &staticSource{}, slog.Default())
	assert.ErrorIs(t, err, ErrNoValidCredentials)
}

func TestNewPool_SourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewPool(context.Background(), &staticSource{err: boom}, slog.Default())
	assert.ErrorIs(t, err, boom)
}

func TestPool_Next(t *testing.T) {
	pool := newTestPool(t,
		RawProfile{Index: 1, Payload: []byte(`{}`)},
		RawProfile{Index: 3, Payload: []byte(`{}`)},
		RawProfile{Index: 7, Payload: []byte(`{}`)},
		RawProfile{Index: 5, Payload: []byte(`broken`)},
	)

	assert.Equal(t, 3, pool.Next(1))
	assert.Equal(t, 7, pool.Next(3))
	assert.Equal(t, 1, pool.Next(7))

	// Indices outside the valid set restart from the first valid index.
	assert.Equal(t, 1, pool.Next(0))
	assert.Equal(t, 1, pool.Next(5))
	assert.Equal(t, 1, pool.Next(100))
	assert.Equal(t, 1, pool.Next(-1))
}

func TestPool_NextSingle(t *testing.T) {
	pool := newTestPool(t, RawProfile{Index: 4, Payload: []byte(`{}`)})
	assert.Equal(t, 4, pool.Next(4))
	assert.Equal(t, 4, pool.First())
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"auth-2.json":  `{"accountName":"two"}`,
		"auth-10.json": `{"accountName":"ten"}`,
		"auth-x.json":  `{}`,
		"readme.txt":   `ignored`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "auth-3.json"), 0700))

	raws, err := (&DirSource{Dir: dir}).Load(context.Background())
	require.NoError(t, err)

	got := map[int]string{}
	for _, r := range raws {
		got[r.Index] = string(r.Payload)
	}
	assert.Equal(t, map[int]string{
		2:  `{"accountName":"two"}`,
		10: `{"accountName":"ten"}`,
	}, got)
}

func TestDirSource_MissingDir(t *testing.T) {
	_, err := (&DirSource{Dir: filepath.Join(t.TempDir(), "missing")}).Load(context.Background())
	assert.Error(t, err)
}

func TestEnvSource(t *testing.T) {
	src := &EnvSource{Environ: func() []string {
		return []string{
			"PATH=/usr/bin",
			"AUTH_JSON_1={\"a\":1}",
			"AUTH_JSON_12={}",
			"AUTH_JSON_X={}",
			"AUTH_JSON_-2={}",
		}
	}}

	raws, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, raws, 2)

	got := map[int]string{}
	for _, r := range raws {
		got[r.Index] = string(r.Payload)
	}
	assert.Equal(t, `{"a":1}`, got[1])
	assert.Equal(t, `{}`, got[12])
}

func TestSQLiteSource(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, CreateSQLiteSchema(ctx, db))
	_, err = db.ExecContext(ctx, `INSERT INTO credentials (idx, name, payload) VALUES (?, ?, ?), (?, ?, ?), (?, ?, ?)`,
		5, "five", `{"accountName":"five"}`,
		2, "two", `{"accountName":"two"}`,
		8, "broken", `nope`,
	)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	pool, err := NewPool(ctx, &SQLiteSource{Path: path}, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5}, pool.Valid())
	assert.Equal(t, []int{8}, pool.Invalid())
	assert.Equal(t, 5, pool.Next(2))
	assert.Equal(t, "sqlite:"+path, pool.SourceName())
}

func TestNewSource(t *testing.T) {
	src, err := NewSource("dir", "/tmp/auth", "")
	require.NoError(t, err)
	assert.IsType(t, &DirSource{}, src)

	src, err = NewSource("env", "", "")
	require.NoError(t, err)
	assert.IsType(t, &EnvSource{}, src)

	src, err = NewSource("sqlite", "", "/tmp/x.db")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteSource{}, src)

	_, err = NewSource("vault", "", "")
	assert.ErrorIs(t, err, ErrUnknownSource)
}
