// Package schemas supplies per-project type constraints to the graph core:
// property coercion, required fields, relationship multiplicity and inverse
// pairs. Definitions are loaded from a YAML registry file.
package schemas

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/pkg/apperror"
)

// PropertyDef declares the type of one top-level property.
type PropertyDef struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
}

// ObjectSchema constrains one object type.
type ObjectSchema struct {
	Description string                 `yaml:"description,omitempty"`
	Properties  map[string]PropertyDef `yaml:"properties,omitempty"`
	Required    []string               `yaml:"required,omitempty"`
}

// RelationshipSchema constrains one relationship type.
type RelationshipSchema struct {
	Description  string                 `yaml:"description,omitempty"`
	Properties   map[string]PropertyDef `yaml:"properties,omitempty"`
	Required     []string               `yaml:"required,omitempty"`
	Multiplicity graph.Multiplicity     `yaml:"multiplicity,omitempty"`
	// Inverse names the type written automatically in the other direction.
	Inverse string `yaml:"inverse,omitempty"`
}

// ProjectSchema is the set of types of one project.
type ProjectSchema struct {
	Objects       map[string]ObjectSchema       `yaml:"objects,omitempty"`
	Relationships map[string]RelationshipSchema `yaml:"relationships,omitempty"`
}

// Document is the registry file layout. Types missing from a project's
// schema fall back to the default schema.
type Document struct {
	Default  ProjectSchema            `yaml:"default"`
	Projects map[string]ProjectSchema `yaml:"projects,omitempty"`
}

// Registry is an immutable in-memory schema registry. It implements
// graph.SchemaAdapter.
type Registry struct {
	def      ProjectSchema
	projects map[uuid.UUID]ProjectSchema
}

var _ graph.SchemaAdapter = (*Registry)(nil)

// LoadFile reads and parses a registry file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and checks a registry document.
func Parse(data []byte) (*Registry, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	return NewRegistry(doc)
}

// NewRegistry checks doc and builds a registry from it. Inverse pairs are
// made symmetric: declaring a.inverse = b implies b.inverse = a.
func NewRegistry(doc Document) (*Registry, error) {
	def, err := normalize("default", doc.Default)
	if err != nil {
		return nil, err
	}
	r := &Registry{def: def, projects: make(map[uuid.UUID]ProjectSchema, len(doc.Projects))}
	for raw, ps := range doc.Projects {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("schema project %q: invalid project id", raw)
		}
		if r.projects[id], err = normalize(raw, ps); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func normalize(name string, ps ProjectSchema) (ProjectSchema, error) {
	rels := make(map[string]RelationshipSchema, len(ps.Relationships))
	for typ, rs := range ps.Relationships {
		rels[typ] = rs
	}
	ps.Relationships = rels
	if ps.Objects == nil {
		ps.Objects = map[string]ObjectSchema{}
	}
	for typ, obj := range ps.Objects {
		if err := checkProperties(name, typ, obj.Properties); err != nil {
			return ps, err
		}
	}
	for typ, rs := range ps.Relationships {
		if err := checkProperties(name, typ, rs.Properties); err != nil {
			return ps, err
		}
		m, err := normalizeMultiplicity(rs.Multiplicity)
		if err != nil {
			return ps, fmt.Errorf("schema %s: relationship %s: %w", name, typ, err)
		}
		rs.Multiplicity = m
		ps.Relationships[typ] = rs
	}
	for typ, rs := range ps.Relationships {
		if rs.Inverse == "" || rs.Inverse == typ {
			continue
		}
		inv, ok := ps.Relationships[rs.Inverse]
		if !ok {
			inv = RelationshipSchema{Multiplicity: graph.Multiplicity{Src: rs.Multiplicity.Dst, Dst: rs.Multiplicity.Src}}
		}
		switch inv.Inverse {
		case "":
			inv.Inverse = typ
		case typ:
		default:
			return ps, fmt.Errorf("schema %s: %s declares inverse %s, which pairs with %s", name, typ, rs.Inverse, inv.Inverse)
		}
		ps.Relationships[rs.Inverse] = inv
	}
	return ps, nil
}

func checkProperties(name, typ string, defs map[string]PropertyDef) error {
	for prop, def := range defs {
		switch def.Type {
		case "", TypeString, TypeNumber, TypeBoolean, TypeDate, TypeArray, TypeObject:
		default:
			return fmt.Errorf("schema %s: %s.%s has unknown type %q", name, typ, prop, def.Type)
		}
	}
	return nil
}

func normalizeMultiplicity(m graph.Multiplicity) (graph.Multiplicity, error) {
	side := func(c graph.Cardinality) (graph.Cardinality, error) {
		switch graph.Cardinality(strings.ToLower(string(c))) {
		case "", graph.Many:
			return graph.Many, nil
		case graph.One:
			return graph.One, nil
		}
		return "", fmt.Errorf("unknown cardinality %q", c)
	}
	var err error
	if m.Src, err = side(m.Src); err != nil {
		return m, err
	}
	m.Dst, err = side(m.Dst)
	return m, err
}

func (r *Registry) object(projectID uuid.UUID, typ string) (ObjectSchema, bool) {
	if ps, ok := r.projects[projectID]; ok {
		if obj, ok := ps.Objects[typ]; ok {
			return obj, true
		}
	}
	obj, ok := r.def.Objects[typ]
	return obj, ok
}

func (r *Registry) relationship(projectID uuid.UUID, typ string) (RelationshipSchema, bool) {
	if ps, ok := r.projects[projectID]; ok {
		if rs, ok := ps.Relationships[typ]; ok {
			return rs, true
		}
	}
	rs, ok := r.def.Relationships[typ]
	return rs, ok
}

func (r *Registry) RelationshipMultiplicity(_ context.Context, projectID uuid.UUID, relType string) (graph.Multiplicity, error) {
	rs, ok := r.relationship(projectID, relType)
	if !ok {
		return graph.ManyToMany, nil
	}
	return rs.Multiplicity, nil
}

func (r *Registry) ObjectValidator(_ context.Context, projectID uuid.UUID, objType string) (graph.Validator, error) {
	obj, ok := r.object(projectID, objType)
	if !ok {
		return nil, nil
	}
	return validatorFor("object", objType, obj.Properties, obj.Required), nil
}

func (r *Registry) RelationshipValidator(_ context.Context, projectID uuid.UUID, relType string) (graph.Validator, error) {
	rs, ok := r.relationship(projectID, relType)
	if !ok {
		return nil, nil
	}
	return validatorFor("relationship", relType, rs.Properties, rs.Required), nil
}

func (r *Registry) InverseType(_ context.Context, projectID uuid.UUID, relType string) (string, bool, error) {
	rs, ok := r.relationship(projectID, relType)
	if !ok || rs.Inverse == "" {
		return "", false, nil
	}
	return rs.Inverse, true, nil
}

func validatorFor(kind, typ string, defs map[string]PropertyDef, required []string) graph.Validator {
	if len(defs) == 0 && len(required) == 0 {
		return nil
	}
	return func(props graph.Properties) (graph.Properties, error) {
		res := ValidateProperties(props, defs, required)
		if res.Valid {
			return res.Coerced, nil
		}
		msgs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			msgs[i] = e.Field + ": " + e.Message
		}
		return nil, apperror.ErrValidationFailed.
			WithMessagef("%s %s: %s", kind, typ, strings.Join(msgs, "; ")).
			WithDetails(map[string]any{"type": typ, "errors": res.Errors})
	}
}
