package graph

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/metrics"
)

// Validator checks a property tree before it is written. It may return a
// coerced copy; a non-nil error rejects the write.
type Validator func(props Properties) (Properties, error)

// SchemaAdapter supplies per-project type constraints. It is owned outside
// the graph core, which only queries it, never inside a write transaction.
type SchemaAdapter interface {
	RelationshipMultiplicity(ctx context.Context, projectID uuid.UUID, relType string) (Multiplicity, error)
	// ObjectValidator returns nil when the type has no schema.
	ObjectValidator(ctx context.Context, projectID uuid.UUID, objType string) (Validator, error)
	RelationshipValidator(ctx context.Context, projectID uuid.UUID, relType string) (Validator, error)
	// InverseType reports the type paired with relType, if any.
	InverseType(ctx context.Context, projectID uuid.UUID, relType string) (string, bool, error)
}

// NoSchema is the adapter used when no schema registry is configured:
// every relationship is many-to-many and nothing is validated.
type NoSchema struct{}

func (NoSchema) RelationshipMultiplicity(context.Context, uuid.UUID, string) (Multiplicity, error) {
	return ManyToMany, nil
}

func (NoSchema) ObjectValidator(context.Context, uuid.UUID, string) (Validator, error) {
	return nil, nil
}

func (NoSchema) RelationshipValidator(context.Context, uuid.UUID, string) (Validator, error) {
	return nil, nil
}

func (NoSchema) InverseType(context.Context, uuid.UUID, string) (string, bool, error) {
	return "", false, nil
}

// loadValidator fetches a validator, logging and skipping validation when
// the schema cannot be loaded.
func loadValidator(ctx context.Context, log *slog.Logger, load func() (Validator, error), projectID uuid.UUID, typ string) Validator {
	v, err := load()
	if err != nil {
		log.WarnContext(ctx, "failed to load schema, skipping validation",
			slog.String("project_id", projectID.String()),
			slog.String("type", typ),
			slog.String("error", err.Error()))
		return nil
	}
	return v
}

// runValidator applies v to props and maps a rejection to ErrValidationFailed.
func runValidator(kind, typ string, v Validator, props Properties) (Properties, error) {
	if v == nil {
		return props, nil
	}
	out, err := v(props)
	if err != nil {
		metrics.Validations.WithLabelValues(kind, "rejected").Inc()
		if appErr, ok := apperror.As(err); ok && appErr.Code == apperror.ErrValidationFailed.Code {
			return nil, appErr
		}
		return nil, apperror.ErrValidationFailed.
			WithMessagef("%s %s: %s", kind, typ, err.Error()).
			WithDetails(map[string]any{"type": typ})
	}
	metrics.Validations.WithLabelValues(kind, "ok").Inc()
	if out == nil {
		out = Properties{}
	}
	return out, nil
}
