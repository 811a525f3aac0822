// ABOUTME: Credential pool: validates discovered profiles and picks the next one round-robin.
// ABOUTME: Invalid profiles are remembered for diagnostics but never enter rotation.

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidwall/gjson"
)

// ErrNoValidCredentials indicates discovery found no usable profile.
var ErrNoValidCredentials = errors.New("no valid credentials")

// Profile is a validated (or rejected) credential profile.
type Profile struct {
	Index       int
	DisplayName string
	Payload     json.RawMessage
	Valid       bool
}

// Pool indexes credential profiles. It is immutable after NewPool and safe
// for concurrent use.
type Pool struct {
	profiles map[int]Profile
	valid    []int
	invalid  []int
	source   string
}

// NewPool loads every candidate from src, validates it, and indexes the result.
// Returns ErrNoValidCredentials if nothing validates.
func NewPool(ctx context.Context, src Source, logger *slog.Logger) (*Pool, error) {
	raws, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading credentials from %s: %w", src.Name(), err)
	}

	p := &Pool{
		profiles: make(map[int]Profile, len(raws)),
		source:   src.Name(),
	}

	for _, raw := range raws {
		if _, dup := p.profiles[raw.Index]; dup {
			logger.Warn("duplicate credential index, keeping first", "index", raw.Index)
			continue
		}
		prof := validate(raw)
		p.profiles[raw.Index] = prof
		if prof.Valid {
			p.valid = append(p.valid, raw.Index)
		} else {
			p.invalid = append(p.invalid, raw.Index)
			logger.Warn("credential payload is not a JSON object, excluded from rotation", "index", raw.Index)
		}
	}
	sort.Ints(p.valid)
	sort.Ints(p.invalid)

	if len(p.valid) == 0 {
		return nil, fmt.Errorf("%w in %s (discovered %d, invalid %v)", ErrNoValidCredentials, src.Name(), len(p.profiles), p.invalid)
	}

	logger.Info("credentials loaded",
		"source", src.Name(),
		"valid", p.valid,
		"invalid", p.invalid,
	)
	return p, nil
}

// validate requires a well-formed JSON object payload.
func validate(raw RawProfile) Profile {
	prof := Profile{
		Index:       raw.Index,
		DisplayName: fmt.Sprintf("auth-%d", raw.Index),
	}

	if !gjson.ValidBytes(raw.Payload) || !gjson.ParseBytes(raw.Payload).IsObject() {
		return prof
	}

	prof.Valid = true
	prof.Payload = json.RawMessage(raw.Payload)
	for _, key := range []string{"accountName", "email"} {
		if v := gjson.GetBytes(raw.Payload, key); v.Type == gjson.String && v.Str != "" {
			prof.DisplayName = v.Str
			break
		}
	}
	return prof
}

// Discover returns every discovered index, valid or not, sorted ascending.
func (p *Pool) Discover() []int {
	out := make([]int, 0, len(p.profiles))
	for idx := range p.profiles {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Valid returns the rotation-eligible indices, sorted ascending.
func (p *Pool) Valid() []int {
	return append([]int(nil), p.valid...)
}

// Invalid returns indices that were discovered but failed validation.
func (p *Pool) Invalid() []int {
	return append([]int(nil), p.invalid...)
}

// Contains reports whether index is rotation-eligible.
func (p *Pool) Contains(index int) bool {
	i := sort.SearchInts(p.valid, index)
	return i < len(p.valid) && p.valid[i] == index
}

// Get returns the profile for index, including invalid ones.
func (p *Pool) Get(index int) (Profile, bool) {
	prof, ok := p.profiles[index]
	return prof, ok
}

// First returns the lowest valid index.
func (p *Pool) First() int {
	return p.valid[0]
}

// Next returns the valid index following after, wrapping around.
// If after is not a valid index the first valid index is returned.
func (p *Pool) Next(after int) int {
	i := sort.SearchInts(p.valid, after)
	if i >= len(p.valid) || p.valid[i] != after {
		return p.valid[0]
	}
	return p.valid[(i+1)%len(p.valid)]
}

// SourceName describes where the pool was loaded from.
func (p *Pool) SourceName() string {
	return p.source
}
