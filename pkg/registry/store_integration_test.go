package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/quorum/pkg/registry"
	"github.com/quorumlabs/quorum/test/util"
)

func TestSQLStoreRoleModels(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	seed := []struct {
		role     string
		model    string
		position int
	}{
		{registry.RoleCouncilMember, "openai/gpt-5.2", 0},
		{registry.RoleCouncilMember, "anthropic/claude-sonnet-4.5", 1},
		{registry.RoleChairman, "google/gemini-3-pro-preview", 0},
	}
	for _, row := range seed {
		_, err := db.ExecContext(ctx,
			`INSERT INTO model_roles (role, model, position) VALUES ($1, $2, $3)`,
			row.role, row.model, row.position)
		require.NoError(t, err)
	}

	store := registry.NewSQLStore(db)
	roles, err := store.RoleModels(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"openai/gpt-5.2", "anthropic/claude-sonnet-4.5"}, roles[registry.RoleCouncilMember])
	assert.Equal(t, []string{"google/gemini-3-pro-preview"}, roles[registry.RoleChairman])

	reg := registry.New(store, nil, nil)
	require.NoError(t, reg.Load(ctx))
	assert.Equal(t, "openai/gpt-5.2", reg.GetPrimaryModel(registry.RoleCouncilMember))

	// Reviewer role has no rows and no hardcoded fallback; the council
	// reuses Stage 1 members instead.
	assert.Empty(t, reg.GetModels(registry.RoleStage2Reviewer))

	// Title role has no rows: registry serves its fallback.
	assert.NotEmpty(t, reg.GetModels(registry.RoleTitleGenerator))
}
