package composer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Section count used for the per-section budget split.
const sectionCount = 10

// DefaultKnowledgeLimit bounds knowledge entries pulled per compose.
const DefaultKnowledgeLimit = 20

// DefaultDecisionLimit bounds recent decisions pulled per compose.
const DefaultDecisionLimit = 10

// The fixed trailer is always appended, outside any budget math, so
// guidance survives even heavily truncated prompts.
const responseGuidance = `## Response Guidance
Provide complete, actionable recommendations. Do not end with a closing
question. When information you need is missing, mark the gap inline
with [GAP: what is missing] rather than guessing.`

// Request names the fragments to compose. All identifiers may be
// UUIDs or slugs.
type Request struct {
	CompanyID     string
	DepartmentIDs []string
	RoleIDs       []string
	ProjectID     string
	PlaybookIDs   []string
	MaxTokens     int
}

// Truncation records one section that exceeded its budget share.
type Truncation struct {
	Section  string `json:"section"`
	Original int    `json:"original_chars"`
	Kept     int    `json:"kept_chars"`
}

// Result is the composed system prompt plus the overflow report.
type Result struct {
	SystemPrompt string       `json:"system_prompt"`
	Truncations  []Truncation `json:"truncations,omitempty"`
}

// Composer assembles system prompts from a ContextSource.
type Composer struct {
	source ContextSource
	logger *slog.Logger
}

// New creates a Composer backed by the given source.
func New(source ContextSource, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{source: source, logger: logger}
}

// Compose builds the system prompt. Sections whose inputs fail to
// resolve are logged and skipped; only context cancellation is fatal.
func (c *Composer) Compose(ctx context.Context, req Request) (*Result, error) {
	budget := req.MaxTokens
	if budget <= 0 {
		budget = 8000
	}
	// Token budget split evenly across sections; each section is
	// measured with CountTokens as it is added.
	b := &builder{cap: budget / sectionCount}

	var company *Company
	if req.CompanyID != "" {
		company = resolve(ctx, c, "company", req.CompanyID, c.source.Company)
	}

	departments := make([]*Department, 0, len(req.DepartmentIDs))
	for _, id := range req.DepartmentIDs {
		if d := resolve(ctx, c, "department", id, c.source.Department); d != nil {
			departments = append(departments, d)
		}
	}

	roles := make([]*RoleProfile, 0, len(req.RoleIDs))
	for _, id := range req.RoleIDs {
		if r := resolve(ctx, c, "role", id, c.source.RoleProfile); r != nil {
			roles = append(roles, r)
		}
	}

	b.add("role header", c.roleHeader(roles))

	if company != nil && company.Context != "" {
		b.add("Company Context", "## Company Context\n"+company.Context)
	}

	if req.ProjectID != "" {
		if project := resolve(ctx, c, "project", req.ProjectID, c.source.Project); project != nil && project.Context != "" {
			b.add("Project Context", fmt.Sprintf("## Project Context\nProject: %s\n%s", project.Name, project.Context))
		}
	}

	if len(departments) > 0 {
		var sb strings.Builder
		sb.WriteString("## Active Departments\n")
		for _, d := range departments {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		}
		b.add("Active Departments", strings.TrimRight(sb.String(), "\n"))
	}

	for _, d := range departments {
		if d.Context == "" {
			continue
		}
		b.add("Department Context "+d.Name, fmt.Sprintf("## Department Context: %s\n%s", d.Name, d.Context))
	}

	for _, d := range departments {
		if !strings.EqualFold(d.Slug, "technology") && !strings.EqualFold(d.Name, "technology") {
			continue
		}
		docs, err := c.source.TechnicalDocs(ctx, d.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Technical docs unavailable", "department", d.Name, "error", err)
			continue
		}
		if docs != "" {
			b.add("Technical Documentation", "## Technical Documentation\n"+docs)
		}
	}

	if company != nil {
		c.addKnowledge(ctx, b, company.ID)
		c.addPlaybooks(ctx, b, company.ID, req.PlaybookIDs)
		c.addDecisions(ctx, b, company.ID)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.addRaw(responseGuidance)

	return &Result{
		SystemPrompt: strings.Join(b.sections, "\n\n"),
		Truncations:  b.truncations,
	}, nil
}

// roleHeader renders the zero/one/many role boilerplate.
func (c *Composer) roleHeader(roles []*RoleProfile) string {
	switch len(roles) {
	case 0:
		return "You are a senior advisor on an executive council. Bring broad cross-functional judgment to the question below."
	case 1:
		return fmt.Sprintf("You are acting as %s on an executive council.\n%s", roles[0].Name, roles[0].Prompt)
	default:
		var sb strings.Builder
		sb.WriteString("You are acting as a combined perspective on an executive council, integrating the following roles into one coherent voice:\n")
		for _, r := range roles {
			fmt.Fprintf(&sb, "\n### %s\n%s\n", r.Name, r.Prompt)
		}
		sb.WriteString("\nWeigh each perspective and reconcile conflicts explicitly.")
		return sb.String()
	}
}

func (c *Composer) addKnowledge(ctx context.Context, b *builder, companyID string) {
	entries, err := c.source.KnowledgeEntries(ctx, companyID, DefaultKnowledgeLimit)
	if err != nil {
		c.logger.Warn("Knowledge base unavailable", "company_id", companyID, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	byCategory := map[string][]KnowledgeEntry{}
	var order []string
	for _, e := range entries {
		if _, seen := byCategory[e.Category]; !seen {
			order = append(order, e.Category)
		}
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}
	var sb strings.Builder
	sb.WriteString("## Knowledge Base\n")
	for _, cat := range order {
		fmt.Fprintf(&sb, "\n### %s\n", cat)
		for _, e := range byCategory[cat] {
			fmt.Fprintf(&sb, "- %s: %s\n", e.Title, e.Content)
		}
	}
	b.add("Knowledge Base", strings.TrimRight(sb.String(), "\n"))
}

func (c *Composer) addPlaybooks(ctx context.Context, b *builder, companyID string, explicit []string) {
	playbooks, err := c.source.AutoInjectPlaybooks(ctx, companyID)
	if err != nil {
		c.logger.Warn("Playbooks unavailable", "company_id", companyID, "error", err)
		playbooks = nil
	}
	seen := map[string]bool{}
	for _, p := range playbooks {
		seen[p.ID] = true
	}
	for _, id := range explicit {
		p := resolve(ctx, c, "playbook", id, c.source.Playbook)
		if p == nil || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		playbooks = append(playbooks, *p)
	}
	if len(playbooks) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString("## Playbooks\n")
	for _, p := range playbooks {
		fmt.Fprintf(&sb, "\n### %s (%s)\n%s\n", p.Name, p.Kind, p.Content)
	}
	b.add("Playbooks", strings.TrimRight(sb.String(), "\n"))
}

func (c *Composer) addDecisions(ctx context.Context, b *builder, companyID string) {
	decisions, err := c.source.RecentDecisions(ctx, companyID, DefaultDecisionLimit)
	if err != nil {
		c.logger.Warn("Recent decisions unavailable", "company_id", companyID, "error", err)
		return
	}
	if len(decisions) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString("## Recent Decisions\n")
	for _, d := range decisions {
		fmt.Fprintf(&sb, "- %s\n", d.Summary)
	}
	b.add("Recent Decisions", strings.TrimRight(sb.String(), "\n"))
}

// resolve fetches an optional entity, logging and eliding failures.
func resolve[T any](ctx context.Context, c *Composer, kind, id string, fn func(context.Context, string) (*T, error)) *T {
	entity, err := fn(ctx, id)
	if err != nil {
		c.logger.Warn("Context fragment unresolved", "kind", kind, "id", id, "error", err)
		return nil
	}
	if entity == nil {
		c.logger.Warn("Context fragment not found", "kind", kind, "id", id)
	}
	return entity
}

// builder accumulates sections, truncating each to the token cap.
type builder struct {
	cap         int
	sections    []string
	truncations []Truncation
}

// add appends a section, truncating at a paragraph boundary when its
// token count exceeds the per-section cap. The character cut point is
// scaled from the measured token density of the section itself.
func (b *builder) add(name, text string) {
	if text == "" {
		return
	}
	if b.cap > 0 {
		if tokens := CountTokens(text); tokens > b.cap {
			kept := truncateAtParagraph(text, len(text)*b.cap/tokens)
			b.truncations = append(b.truncations, Truncation{
				Section:  name,
				Original: len(text),
				Kept:     len(kept),
			})
			text = kept
		}
	}
	b.sections = append(b.sections, text)
}

// addRaw appends a section exempt from budgeting.
func (b *builder) addRaw(text string) {
	b.sections = append(b.sections, text)
}

const truncationMarker = "…[truncated]"

// truncateAtParagraph cuts text to at most max bytes, preferring the
// last paragraph break, then the last line break, before the limit.
func truncateAtParagraph(text string, max int) string {
	if max <= len(truncationMarker) {
		return truncationMarker
	}
	limit := max - len(truncationMarker)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	cut := text[:limit]
	if i := strings.LastIndex(cut, "\n\n"); i > limit/2 {
		cut = cut[:i]
	} else if i := strings.LastIndex(cut, "\n"); i > limit/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n\t") + truncationMarker
}
