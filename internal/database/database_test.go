package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "graph_objects_chain_version_idx"}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"nil", nil, "", false},
		{"plain error", errors.New("duplicate key"), "", false},
		{"any constraint", unique, "", true},
		{"wrapped", fmt.Errorf("insert: %w", unique), "", true},
		{"named constraint", unique, "graph_objects_chain_version_idx", true},
		{"other constraint", unique, "branches_project_id_name_key", false},
		{"foreign key", &pgconn.PgError{Code: "23503"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err, tt.constraint))
		})
	}
}
