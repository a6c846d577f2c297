package schemas

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/pkg/apperror"
)

const registryYAML = `
default:
  objects:
    Person:
      properties:
        age: {type: number}
        active: {type: boolean}
        born: {type: date}
      required: [name]
  relationships:
    PARENT_OF:
      inverse: CHILD_OF
      multiplicity: {src: many, dst: many}
    MANAGED_BY:
      multiplicity: {src: one, dst: many}
projects:
  "11111111-1111-1111-1111-111111111111":
    objects:
      Person:
        properties:
          age: {type: string}
`

func TestCoerceToNumber(t *testing.T) {
	tests := []struct {
		name      string
		input     graph.Value
		expected  float64
		expectErr bool
	}{
		{"string integer", graph.String("42"), 42.0, false},
		{"string float", graph.String("3.14"), 3.14, false},
		{"string negative", graph.String("-10.5"), -10.5, false},
		{"actual number", graph.Number(25), 25.0, false},
		{"boolean true", graph.Bool(true), 1.0, false},
		{"boolean false", graph.Bool(false), 0.0, false},
		{"invalid string", graph.String("not-a-number"), 0, true},
		{"empty string", graph.String(""), 0, true},
		{"null", graph.Null(), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := coerceToNumber(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			n, ok := result.AsNumber()
			assert.True(t, ok)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestCoerceToBoolean(t *testing.T) {
	tests := []struct {
		name      string
		input     graph.Value
		expected  bool
		expectErr bool
	}{
		{"string true", graph.String("true"), true, false},
		{"string T", graph.String("T"), true, false},
		{"string YES", graph.String("YES"), true, false},
		{"string 1", graph.String("1"), true, false},
		{"string no", graph.String("no"), false, false},
		{"empty string", graph.String(""), false, false},
		{"actual bool", graph.Bool(true), true, false},
		{"number 1", graph.Number(1), true, false},
		{"number 0", graph.Number(0), false, false},
		{"invalid string", graph.String("maybe"), false, true},
		{"null", graph.Null(), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := coerceToBoolean(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			b, ok := result.AsBool()
			assert.True(t, ok)
			assert.Equal(t, tt.expected, b)
		})
	}
}

func TestCoerceToDate(t *testing.T) {
	tests := []struct {
		name      string
		input     graph.Value
		expected  string
		expectErr bool
	}{
		{"iso date", graph.String("2024-03-01"), "2024-03-01T00:00:00Z", false},
		{"rfc3339", graph.String("2024-03-01T10:11:12Z"), "2024-03-01T10:11:12Z", false},
		{"us format", graph.String("03/01/2024"), "2024-03-01T00:00:00Z", false},
		{"garbage", graph.String("yesterday"), "", true},
		{"number", graph.Number(5), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := coerceToDate(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			s, _ := result.AsString()
			assert.Equal(t, tt.expected, s)
		})
	}
}

func TestValidateProperties(t *testing.T) {
	defs := map[string]PropertyDef{
		"age":  {Type: TypeNumber},
		"tags": {Type: TypeArray},
	}

	t.Run("coerces declared and passes undeclared", func(t *testing.T) {
		res := ValidateProperties(graph.Properties{
			"age":   graph.String("41"),
			"name":  graph.String("Ada"),
			"extra": graph.Bool(true),
		}, defs, []string{"name"})
		require.True(t, res.Valid)
		n, _ := res.Coerced["age"].AsNumber()
		assert.Equal(t, 41.0, n)
		assert.True(t, res.Coerced["extra"].Equal(graph.Bool(true)))
	})

	t.Run("reports every failing field sorted", func(t *testing.T) {
		res := ValidateProperties(graph.Properties{
			"age":  graph.String("old"),
			"tags": graph.String("x"),
		}, defs, []string{"name"})
		require.False(t, res.Valid)
		require.Len(t, res.Errors, 3)
		assert.Equal(t, "age", res.Errors[0].Field)
		assert.Equal(t, "name", res.Errors[1].Field)
		assert.Equal(t, "tags", res.Errors[2].Field)
	})

	t.Run("null required field is missing", func(t *testing.T) {
		res := ValidateProperties(graph.Properties{"name": graph.Null()}, defs, []string{"name"})
		assert.False(t, res.Valid)
	})
}

func TestRegistry_Parse(t *testing.T) {
	reg, err := Parse([]byte(registryYAML))
	require.NoError(t, err)
	ctx := context.Background()
	other := uuid.New()
	special := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	t.Run("inverse pairs are symmetric", func(t *testing.T) {
		inv, ok, err := reg.InverseType(ctx, other, "PARENT_OF")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "CHILD_OF", inv)

		inv, ok, err = reg.InverseType(ctx, other, "CHILD_OF")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "PARENT_OF", inv)

		_, ok, err = reg.InverseType(ctx, other, "MANAGED_BY")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("multiplicity defaults to many", func(t *testing.T) {
		m, err := reg.RelationshipMultiplicity(ctx, other, "MANAGED_BY")
		require.NoError(t, err)
		assert.Equal(t, graph.Multiplicity{Src: graph.One, Dst: graph.Many}, m)

		m, err = reg.RelationshipMultiplicity(ctx, other, "UNKNOWN")
		require.NoError(t, err)
		assert.Equal(t, graph.ManyToMany, m)
	})

	t.Run("default object validator", func(t *testing.T) {
		v, err := reg.ObjectValidator(ctx, other, "Person")
		require.NoError(t, err)
		require.NotNil(t, v)

		out, err := v(graph.Properties{"name": graph.String("Ada"), "age": graph.String("36")})
		require.NoError(t, err)
		n, _ := out["age"].AsNumber()
		assert.Equal(t, 36.0, n)

		_, err = v(graph.Properties{"age": graph.Number(36)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperror.ErrValidationFailed))
	})

	t.Run("project schema overrides default", func(t *testing.T) {
		v, err := reg.ObjectValidator(ctx, special, "Person")
		require.NoError(t, err)
		require.NotNil(t, v)
		out, err := v(graph.Properties{"age": graph.Number(36)})
		require.NoError(t, err)
		s, ok := out["age"].AsString()
		assert.True(t, ok)
		assert.Equal(t, "36", s)
	})

	t.Run("unknown type has no validator", func(t *testing.T) {
		v, err := reg.ObjectValidator(ctx, other, "Place")
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestRegistry_RejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown property type", "default:\n  objects:\n    A:\n      properties:\n        x: {type: blob}\n"},
		{"unknown cardinality", "default:\n  relationships:\n    R:\n      multiplicity: {src: few}\n"},
		{"conflicting inverse", "default:\n  relationships:\n    A: {inverse: B}\n    B: {inverse: C}\n"},
		{"bad project id", "projects:\n  nope: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

type countingAdapter struct {
	graph.NoSchema
	calls atomic.Int32
	fail  bool
}

func (a *countingAdapter) RelationshipMultiplicity(context.Context, uuid.UUID, string) (graph.Multiplicity, error) {
	a.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	if a.fail {
		return graph.Multiplicity{}, errors.New("registry unavailable")
	}
	return graph.Multiplicity{Src: graph.One, Dst: graph.Many}, nil
}

func TestCachedAdapter(t *testing.T) {
	ctx := context.Background()
	project := uuid.New()

	t.Run("hits within ttl", func(t *testing.T) {
		inner := &countingAdapter{}
		c := NewCachedAdapter(inner, time.Minute)

		for i := 0; i < 3; i++ {
			m, err := c.RelationshipMultiplicity(ctx, project, "R")
			require.NoError(t, err)
			assert.Equal(t, graph.One, m.Src)
		}
		assert.Equal(t, int32(1), inner.calls.Load())
	})

	t.Run("reloads after ttl", func(t *testing.T) {
		inner := &countingAdapter{}
		c := NewCachedAdapter(inner, time.Minute)
		now := time.Now()
		c.now = func() time.Time { return now }

		_, err := c.RelationshipMultiplicity(ctx, project, "R")
		require.NoError(t, err)
		now = now.Add(2 * time.Minute)
		_, err = c.RelationshipMultiplicity(ctx, project, "R")
		require.NoError(t, err)
		assert.Equal(t, int32(2), inner.calls.Load())
	})

	t.Run("concurrent misses share a load", func(t *testing.T) {
		inner := &countingAdapter{}
		c := NewCachedAdapter(inner, time.Minute)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.RelationshipMultiplicity(ctx, project, "R")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, inner.calls.Load(), int32(10))
		assert.GreaterOrEqual(t, inner.calls.Load(), int32(1))
	})

	t.Run("errors are not cached", func(t *testing.T) {
		inner := &countingAdapter{fail: true}
		c := NewCachedAdapter(inner, time.Minute)

		_, err := c.RelationshipMultiplicity(ctx, project, "R")
		require.Error(t, err)
		_, err = c.RelationshipMultiplicity(ctx, project, "R")
		require.Error(t, err)
		assert.Equal(t, int32(2), inner.calls.Load())
	})

	t.Run("invalidate drops the project", func(t *testing.T) {
		inner := &countingAdapter{}
		c := NewCachedAdapter(inner, time.Minute)

		_, _ = c.RelationshipMultiplicity(ctx, project, "R")
		c.Invalidate(project)
		_, _ = c.RelationshipMultiplicity(ctx, project, "R")
		assert.Equal(t, int32(2), inner.calls.Load())
	})

	t.Run("nil validator is cached", func(t *testing.T) {
		c := NewCachedAdapter(graph.NoSchema{}, time.Minute)
		v, err := c.ObjectValidator(ctx, project, "Anything")
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}
