// Package composer builds the council system prompt from company,
// department, role, project, knowledge, and playbook fragments under a
// token budget. Sections are ordered so later guidance overrides
// earlier guidance, and each section is truncated independently at a
// paragraph boundary when it exceeds its share of the budget.
package composer

import "context"

// Company is the top-level organization profile.
type Company struct {
	ID      string
	Slug    string
	Name    string
	Context string
}

// Department is one functional area with its own context and preset.
type Department struct {
	ID          string
	Slug        string
	Name        string
	Description string
	Context     string
	LLMPreset   string
}

// RoleProfile is a perspective the council is asked to take.
type RoleProfile struct {
	ID     string
	Slug   string
	Name   string
	Prompt string
}

// Project scopes the conversation to one initiative.
type Project struct {
	ID      string
	Slug    string
	Name    string
	Context string
}

// KnowledgeEntry is a stored decision or pattern, grouped by category
// when rendered.
type KnowledgeEntry struct {
	ID       string
	Category string
	Title    string
	Content  string
}

// Playbook is an SOP, framework, or policy document.
type Playbook struct {
	ID         string
	Slug       string
	Name       string
	Kind       string
	Content    string
	AutoInject bool
}

// Decision is a recent conversation outcome not yet promoted to the
// knowledge base.
type Decision struct {
	ID      string
	Summary string
}

// ContextSource resolves composer inputs from the backing data
// surface. Identifiers may be UUIDs or slugs; implementations decide.
// A nil-result, nil-error return means the identifier did not resolve.
type ContextSource interface {
	Company(ctx context.Context, id string) (*Company, error)
	Department(ctx context.Context, id string) (*Department, error)
	RoleProfile(ctx context.Context, id string) (*RoleProfile, error)
	Project(ctx context.Context, id string) (*Project, error)
	TechnicalDocs(ctx context.Context, departmentID string) (string, error)
	KnowledgeEntries(ctx context.Context, companyID string, limit int) ([]KnowledgeEntry, error)
	Playbook(ctx context.Context, id string) (*Playbook, error)
	AutoInjectPlaybooks(ctx context.Context, companyID string) ([]Playbook, error)
	RecentDecisions(ctx context.Context, companyID string, limit int) ([]Decision, error)
}
