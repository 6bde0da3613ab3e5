package action

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Stats are the per-file column statistics recorded with an AddFile.
// Values in MinValues/MaxValues are json.Number, string, bool or nested maps
// for struct columns, keyed by physical column name.
type Stats struct {
	NumRecords  *int64         `json:"numRecords,omitempty"`
	MinValues   map[string]any `json:"minValues,omitempty"`
	MaxValues   map[string]any `json:"maxValues,omitempty"`
	NullCount   map[string]any `json:"nullCount,omitempty"`
	TightBounds *bool          `json:"tightBounds,omitempty"`
}

// ParseStats decodes a stats JSON string, keeping numbers exact.
func ParseStats(raw string) (*Stats, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var s Stats
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	return &s, nil
}

// Min returns the recorded minimum of a (physical) column path.
func (s *Stats) Min(path []string) (any, bool) {
	if s == nil {
		return nil, false
	}
	return walk(s.MinValues, path)
}

// Max returns the recorded maximum of a (physical) column path.
func (s *Stats) Max(path []string) (any, bool) {
	if s == nil {
		return nil, false
	}
	return walk(s.MaxValues, path)
}

// Nulls returns the recorded null count of a (physical) column path.
func (s *Stats) Nulls(path []string) (int64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := walk(s.NullCount, path)
	if !ok {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

// Records returns the row count, if recorded.
func (s *Stats) Records() (int64, bool) {
	if s == nil || s.NumRecords == nil {
		return 0, false
	}
	return *s.NumRecords, true
}

func walk(m map[string]any, path []string) (any, bool) {
	if len(path) == 0 || m == nil {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok || v == nil {
		return nil, false
	}
	if len(path) == 1 {
		if _, nested := v.(map[string]any); nested {
			return nil, false
		}
		return v, true
	}
	next, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return walk(next, path[1:])
}

// EncodeStats renders stats back to their JSON form.
func EncodeStats(s *Stats) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding stats: %w", err)
	}
	return string(data), nil
}
