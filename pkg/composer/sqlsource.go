package composer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLSource resolves composer inputs from PostgreSQL. Identifiers are
// accepted as either the row UUID or the slug.
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource creates a SQLSource over an open connection pool.
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

func (s *SQLSource) Company(ctx context.Context, id string) (*Company, error) {
	var c Company
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, context FROM companies WHERE id::text = $1 OR slug = $1`,
		id).Scan(&c.ID, &c.Slug, &c.Name, &c.Context)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load company %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLSource) Department(ctx context.Context, id string) (*Department, error) {
	var d Department
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, description, context, llm_preset
		 FROM departments WHERE id::text = $1 OR slug = $1`,
		id).Scan(&d.ID, &d.Slug, &d.Name, &d.Description, &d.Context, &d.LLMPreset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load department %s: %w", id, err)
	}
	return &d, nil
}

// DepartmentPreset returns the department's stored llm_preset, or ""
// when the department is unknown or has none configured. Feeds the
// config resolver's store tier.
func (s *SQLSource) DepartmentPreset(ctx context.Context, id string) (string, error) {
	var preset string
	err := s.db.QueryRowContext(ctx,
		`SELECT llm_preset FROM departments WHERE id::text = $1 OR slug = $1`,
		id).Scan(&preset)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load llm preset for %s: %w", id, err)
	}
	return preset, nil
}

func (s *SQLSource) RoleProfile(ctx context.Context, id string) (*RoleProfile, error) {
	var r RoleProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, prompt FROM role_profiles WHERE id::text = $1 OR slug = $1`,
		id).Scan(&r.ID, &r.Slug, &r.Name, &r.Prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load role profile %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLSource) Project(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, context FROM projects WHERE id::text = $1 OR slug = $1`,
		id).Scan(&p.ID, &p.Slug, &p.Name, &p.Context)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLSource) TechnicalDocs(ctx context.Context, departmentID string) (string, error) {
	var docs sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT technical_docs FROM departments WHERE id::text = $1 OR slug = $1`,
		departmentID).Scan(&docs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load technical docs for %s: %w", departmentID, err)
	}
	return docs.String, nil
}

func (s *SQLSource) KnowledgeEntries(ctx context.Context, companyID string, limit int) ([]KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.id, k.category, k.title, k.content
		 FROM knowledge_entries k
		 JOIN companies c ON c.id = k.company_id
		 WHERE c.id::text = $1 OR c.slug = $1
		 ORDER BY k.created_at DESC
		 LIMIT $2`,
		companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		if err := rows.Scan(&e.ID, &e.Category, &e.Title, &e.Content); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLSource) Playbook(ctx context.Context, id string) (*Playbook, error) {
	var p Playbook
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, kind, content, auto_inject
		 FROM playbooks WHERE id::text = $1 OR slug = $1`,
		id).Scan(&p.ID, &p.Slug, &p.Name, &p.Kind, &p.Content, &p.AutoInject)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playbook %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLSource) AutoInjectPlaybooks(ctx context.Context, companyID string) ([]Playbook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.slug, p.name, p.kind, p.content, p.auto_inject
		 FROM playbooks p
		 JOIN companies c ON c.id = p.company_id
		 WHERE (c.id::text = $1 OR c.slug = $1) AND p.auto_inject
		 ORDER BY p.slug`,
		companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query auto-inject playbooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var playbooks []Playbook
	for rows.Next() {
		var p Playbook
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.Kind, &p.Content, &p.AutoInject); err != nil {
			return nil, fmt.Errorf("failed to scan playbook: %w", err)
		}
		playbooks = append(playbooks, p)
	}
	return playbooks, rows.Err()
}

func (s *SQLSource) RecentDecisions(ctx context.Context, companyID string, limit int) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.summary
		 FROM decisions d
		 JOIN companies c ON c.id = d.company_id
		 WHERE c.id::text = $1 OR c.slug = $1
		 ORDER BY d.created_at DESC
		 LIMIT $2`,
		companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
