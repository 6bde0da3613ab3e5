package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakekernel/kernelerr"
	"lakekernel/schema"
)

func TestParseCEL(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"comparison", `a > 3`, `a > 3`},
		{"conjunction", `a >= 1 && b == "eu"`, `(a >= 1) AND (b = "eu")`},
		{"disjunction_and_not", `!(a < 0) || b != "x"`, `(NOT (a < 0)) OR (b != "x")`},
		{"in_list", `a in [1, 2, -3]`, `a IN (1, 2, -3)`},
		{"null_test", `b == null`, `b IS NULL`},
		{"not_null_test", `null != b`, `NOT (b IS NULL)`},
		{"nested_column", `geo.lat < 1.5`, `geo.lat < 1.5`},
		{"timestamp_literal", `ts >= timestamp("2024-01-01 00:00:00")`, `ts >= "2024-01-01 00:00:00"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := ParseCEL(tc.src)
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.String())
		})
	}

	t.Run("binds_and_evaluates", func(t *testing.T) {
		e, err := ParseCEL(`ts >= timestamp("1970-01-01 00:00:01") && a in [1, 2]`)
		require.NoError(t, err)
		b := mustBind(t, e)
		out := EvalRow(b, map[string]Scalar{"ts": Timestamp(2_000_000), "a": Long(2)})
		assert.Equal(t, OutTrue, out)
	})

	t.Run("rejects", func(t *testing.T) {
		for _, src := range []string{
			`a >`,
			`size(b) > 1`,
			`a in b`,
			`has(geo.lat)`,
			`{"k": 1}`,
		} {
			_, err := ParseCEL(src)
			require.Error(t, err, src)
			var invalid *kernelerr.InvalidPredicateError
			assert.True(t, errors.As(err, &invalid), src)
		}
	})

	t.Run("unsigned_literals", func(t *testing.T) {
		e, err := ParseCEL(`a == 9223372036854775807u`)
		require.NoError(t, err)
		assert.Equal(t, "a = 9223372036854775807", e.String())

		_, err = ParseCEL(`a == 9223372036854775808u`)
		var invalid *kernelerr.InvalidPredicateError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "9223372036854775808u")

		_, err = ParseCEL(`a < 18446744073709551615u`)
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("unknown_column_fails_at_bind", func(t *testing.T) {
		e, err := ParseCEL(`nope == 1`)
		require.NoError(t, err)
		_, err = Bind(e, testSchema, schema.MappingNone)
		assert.Error(t, err)
	})
}
