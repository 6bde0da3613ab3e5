package expr

import (
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"lakekernel/action"
	"lakekernel/schema"
)

// Tri is the answer of a statistics oracle for one file.
type Tri int

const (
	// Unknown means some rows may satisfy the predicate.
	Unknown Tri = iota
	// True means every row satisfies the predicate.
	True
	// False means no row satisfies the predicate; the file can be skipped.
	False
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	}
	return "unknown"
}

// Tri collapses an outcome set to an oracle answer.
func (o Outcome) Tri() Tri {
	switch {
	case o == OutTrue:
		return True
	case !o.CanMatch():
		return False
	}
	return Unknown
}

// StatsEvaluator decides, from a file's statistics, whether a bound predicate
// can hold for any of the file's rows. Implementations must never answer False
// for a file that holds a matching row.
type StatsEvaluator interface {
	Evaluate(pred Expr, stats *action.Stats) Tri
}

// Recorded string statistics are truncated prefixes; a max of this many
// characters or more is not an upper bound.
const StringStatsPrefixLength = 32

// DefaultStatsEvaluator evaluates predicates over min/max/null-count statistics.
type DefaultStatsEvaluator struct{}

var _ StatsEvaluator = DefaultStatsEvaluator{}

// Evaluate returns Unknown when stats are missing.
func (DefaultStatsEvaluator) Evaluate(pred Expr, stats *action.Stats) Tri {
	if stats == nil {
		return Unknown
	}
	return Outcomes(pred, StatsDomains(stats)).Tri()
}

// StatsDomains derives column domains from file statistics.
func StatsDomains(stats *action.Stats) Domains {
	records, hasRecords := stats.Records()
	return func(c *Column) ColumnDomain {
		if hasRecords && records == 0 {
			return ColumnDomain{}
		}
		path := c.Physical
		if len(path) == 0 {
			path = c.Path
		}

		d := UnknownDomain()
		if nulls, ok := stats.Nulls(path); ok {
			d.MayBeNull = nulls > 0
			d.MayBeNonNull = !hasRecords || nulls < records
		}
		if raw, ok := stats.Min(path); ok {
			d.Min, d.HasMin = statValue(raw, c.Type)
		}
		if raw, ok := stats.Max(path); ok {
			d.Max, d.HasMax = statValue(raw, c.Type)
		}
		if d.HasMax {
			switch c.Type.Name {
			case schema.TypeTimestamp, schema.TypeTimestampNtz:
				// recorded at millisecond precision
				d.Max.v = d.Max.v.(int64) + 999
			case schema.TypeString:
				if utf8.RuneCountInString(d.Max.v.(string)) >= StringStatsPrefixLength {
					d.HasMax = false
				}
			}
		}
		return d
	}
}

var statTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// statValue converts a decoded stats value to a scalar of the column type.
func statValue(raw any, t schema.DataType) (Scalar, bool) {
	switch v := raw.(type) {
	case json.Number:
		s, err := parseTyped(v.String(), t)
		return s, err == nil
	case bool:
		if t.Name != schema.TypeBoolean {
			return Scalar{}, false
		}
		return Bool(v), true
	case string:
		if t.Name == schema.TypeTimestamp || t.Name == schema.TypeTimestampNtz {
			for _, layout := range statTimestampLayouts {
				if ts, err := time.Parse(layout, v); err == nil {
					return Scalar{Type: t, v: ts.UnixMicro()}, true
				}
			}
			return Scalar{}, false
		}
		s, err := parseTyped(v, t)
		return s, err == nil
	}
	return Scalar{}, false
}
