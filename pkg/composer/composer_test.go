package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	companies   map[string]*Company
	departments map[string]*Department
	roles       map[string]*RoleProfile
	projects    map[string]*Project
	techDocs    map[string]string
	knowledge   []KnowledgeEntry
	playbooks   map[string]*Playbook
	autoInject  []Playbook
	decisions   []Decision

	knowledgeErr error
}

func (f *fakeSource) Company(_ context.Context, id string) (*Company, error) {
	return f.companies[id], nil
}

func (f *fakeSource) Department(_ context.Context, id string) (*Department, error) {
	return f.departments[id], nil
}

func (f *fakeSource) RoleProfile(_ context.Context, id string) (*RoleProfile, error) {
	return f.roles[id], nil
}

func (f *fakeSource) Project(_ context.Context, id string) (*Project, error) {
	return f.projects[id], nil
}

func (f *fakeSource) TechnicalDocs(_ context.Context, departmentID string) (string, error) {
	return f.techDocs[departmentID], nil
}

func (f *fakeSource) KnowledgeEntries(_ context.Context, _ string, _ int) ([]KnowledgeEntry, error) {
	return f.knowledge, f.knowledgeErr
}

func (f *fakeSource) Playbook(_ context.Context, id string) (*Playbook, error) {
	return f.playbooks[id], nil
}

func (f *fakeSource) AutoInjectPlaybooks(_ context.Context, _ string) ([]Playbook, error) {
	return f.autoInject, nil
}

func (f *fakeSource) RecentDecisions(_ context.Context, _ string, _ int) ([]Decision, error) {
	return f.decisions, nil
}

func fullSource() *fakeSource {
	return &fakeSource{
		companies: map[string]*Company{
			"acme": {ID: "acme", Slug: "acme", Name: "Acme", Context: "Acme builds rockets."},
		},
		departments: map[string]*Department{
			"marketing":  {ID: "marketing", Slug: "marketing", Name: "Marketing", Description: "Brand and demand", Context: "Focus on B2B."},
			"technology": {ID: "technology", Slug: "technology", Name: "Technology", Description: "Platform", Context: "Go monolith."},
		},
		roles: map[string]*RoleProfile{
			"cfo": {ID: "cfo", Slug: "cfo", Name: "CFO", Prompt: "Guard the runway."},
			"cto": {ID: "cto", Slug: "cto", Name: "CTO", Prompt: "Guard the architecture."},
		},
		projects: map[string]*Project{
			"apollo": {ID: "apollo", Slug: "apollo", Name: "Apollo", Context: "Q4 launch."},
		},
		techDocs: map[string]string{
			"technology": "API served by a Go monolith.",
		},
		knowledge: []KnowledgeEntry{
			{ID: "k1", Category: "Pricing", Title: "Tiered plans", Content: "Three tiers won."},
			{ID: "k2", Category: "Hiring", Title: "Bar raisers", Content: "Two interviewers minimum."},
			{ID: "k3", Category: "Pricing", Title: "Annual discount", Content: "15 percent."},
		},
		playbooks: map[string]*Playbook{
			"incident": {ID: "incident", Slug: "incident", Name: "Incident Response", Kind: "sop", Content: "Page the on-call."},
		},
		autoInject: []Playbook{
			{ID: "tone", Slug: "tone", Name: "Tone of Voice", Kind: "policy", Content: "Plain language.", AutoInject: true},
		},
		decisions: []Decision{
			{ID: "d1", Summary: "Chose monthly billing."},
		},
	}
}

func TestComposeFullPrompt(t *testing.T) {
	c := New(fullSource(), nil)

	result, err := c.Compose(context.Background(), Request{
		CompanyID:     "acme",
		DepartmentIDs: []string{"marketing", "technology"},
		RoleIDs:       []string{"cfo"},
		ProjectID:     "apollo",
		PlaybookIDs:   []string{"incident"},
		MaxTokens:     8000,
	})
	require.NoError(t, err)

	prompt := result.SystemPrompt
	assert.Contains(t, prompt, "You are acting as CFO")
	assert.Contains(t, prompt, "## Company Context\nAcme builds rockets.")
	assert.Contains(t, prompt, "## Project Context\nProject: Apollo")
	assert.Contains(t, prompt, "## Active Departments")
	assert.Contains(t, prompt, "- Marketing: Brand and demand")
	assert.Contains(t, prompt, "## Department Context: Marketing")
	assert.Contains(t, prompt, "## Technical Documentation\nAPI served by a Go monolith.")
	assert.Contains(t, prompt, "### Pricing")
	assert.Contains(t, prompt, "- Tiered plans: Three tiers won.")
	assert.Contains(t, prompt, "### Tone of Voice (policy)")
	assert.Contains(t, prompt, "### Incident Response (sop)")
	assert.Contains(t, prompt, "## Recent Decisions\n- Chose monthly billing.")
	assert.Contains(t, prompt, "## Response Guidance")
	assert.Contains(t, prompt, "[GAP: what is missing]")
	assert.Empty(t, result.Truncations)

	// Section order: company context precedes department contexts,
	// which precede the fixed trailer.
	companyAt := strings.Index(prompt, "## Company Context")
	deptAt := strings.Index(prompt, "## Department Context: Marketing")
	guidanceAt := strings.Index(prompt, "## Response Guidance")
	assert.Less(t, companyAt, deptAt)
	assert.Less(t, deptAt, guidanceAt)
	assert.True(t, strings.HasSuffix(prompt, "rather than guessing."))
}

func TestComposeRoleHeaders(t *testing.T) {
	src := fullSource()
	c := New(src, nil)

	t.Run("no roles", func(t *testing.T) {
		result, err := c.Compose(context.Background(), Request{CompanyID: "acme"})
		require.NoError(t, err)
		assert.Contains(t, result.SystemPrompt, "senior advisor on an executive council")
	})

	t.Run("single role", func(t *testing.T) {
		result, err := c.Compose(context.Background(), Request{RoleIDs: []string{"cfo"}})
		require.NoError(t, err)
		assert.Contains(t, result.SystemPrompt, "You are acting as CFO")
		assert.Contains(t, result.SystemPrompt, "Guard the runway.")
	})

	t.Run("multiple roles integrate perspectives", func(t *testing.T) {
		result, err := c.Compose(context.Background(), Request{RoleIDs: []string{"cfo", "cto"}})
		require.NoError(t, err)
		assert.Contains(t, result.SystemPrompt, "integrating the following roles")
		assert.Contains(t, result.SystemPrompt, "### CFO")
		assert.Contains(t, result.SystemPrompt, "### CTO")
	})
}

func TestComposeUnresolvedInputsElided(t *testing.T) {
	c := New(fullSource(), nil)

	result, err := c.Compose(context.Background(), Request{
		CompanyID:     "no-such-company",
		DepartmentIDs: []string{"no-such-department"},
		RoleIDs:       []string{"no-such-role"},
		ProjectID:     "no-such-project",
	})
	require.NoError(t, err)
	assert.NotContains(t, result.SystemPrompt, "## Company Context")
	assert.NotContains(t, result.SystemPrompt, "## Active Departments")
	assert.Contains(t, result.SystemPrompt, "## Response Guidance")
}

func TestComposeSourceErrorSkipsSection(t *testing.T) {
	src := fullSource()
	src.knowledgeErr = errors.New("connection refused")
	c := New(src, nil)

	result, err := c.Compose(context.Background(), Request{CompanyID: "acme"})
	require.NoError(t, err)
	assert.NotContains(t, result.SystemPrompt, "## Knowledge Base")
	assert.Contains(t, result.SystemPrompt, "## Recent Decisions")
}

func TestComposeTruncatesOversizedSections(t *testing.T) {
	src := fullSource()
	src.companies["acme"].Context = strings.Repeat("A paragraph about the company.\n\n", 200)
	c := New(src, nil)

	result, err := c.Compose(context.Background(), Request{CompanyID: "acme", MaxTokens: 500})
	require.NoError(t, err)

	require.Len(t, result.Truncations, 1)
	tr := result.Truncations[0]
	assert.Equal(t, "Company Context", tr.Section)
	assert.Greater(t, tr.Original, tr.Kept)
	assert.Contains(t, result.SystemPrompt, "…[truncated]")

	// Paragraph-boundary cut: the kept text ends cleanly, not mid-word.
	assert.Contains(t, result.SystemPrompt, "A paragraph about the company.…[truncated]")
}

func TestComposeTechnologyDocsOnlyForTechnologyDepartment(t *testing.T) {
	c := New(fullSource(), nil)

	result, err := c.Compose(context.Background(), Request{
		CompanyID:     "acme",
		DepartmentIDs: []string{"marketing"},
	})
	require.NoError(t, err)
	assert.NotContains(t, result.SystemPrompt, "## Technical Documentation")
}

func TestComposeCancelledContext(t *testing.T) {
	c := New(fullSource(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Compose(ctx, Request{CompanyID: "acme"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	short := CountTokens("hello")
	long := CountTokens(strings.Repeat("hello world ", 50))
	assert.Greater(t, long, short)
}

func TestBuilderBudgetsSectionsByTokens(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta.\n\n", 100)
	require.Greater(t, CountTokens(text), 20)

	b := &builder{cap: 20}
	b.add("big", text)
	b.add("small", "one line")

	require.Len(t, b.sections, 2)
	require.Len(t, b.truncations, 1)
	assert.Equal(t, "big", b.truncations[0].Section)
	assert.Less(t, b.truncations[0].Kept, b.truncations[0].Original)
	assert.True(t, strings.HasSuffix(b.sections[0], truncationMarker))

	// The cut is sized by measured token density: the kept text lands
	// at or under the cap, with a little slack for the marker.
	assert.LessOrEqual(t, CountTokens(b.sections[0]), 20+CountTokens(truncationMarker))
	assert.Equal(t, "one line", b.sections[1])
}
