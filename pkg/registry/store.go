package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLStore reads role assignments from the model_roles table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over an open connection pool.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// RoleModels returns every role's ordered model list.
func (s *SQLStore) RoleModels(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, model FROM model_roles ORDER BY role, position, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query model roles: %w", err)
	}
	defer rows.Close()

	roles := map[string][]string{}
	for rows.Next() {
		var role, model string
		if err := rows.Scan(&role, &model); err != nil {
			return nil, fmt.Errorf("failed to scan model role: %w", err)
		}
		roles[role] = append(roles[role], model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read model roles: %w", err)
	}
	return roles, nil
}

// StaticStore serves a fixed role map, typically loaded from the YAML
// config when no database is configured.
type StaticStore map[string][]string

// RoleModels returns the fixed map.
func (s StaticStore) RoleModels(_ context.Context) (map[string][]string, error) {
	return s, nil
}
