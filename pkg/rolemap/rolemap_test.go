package rolemap

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewyze/identity/pkg/orgs"
)

func TestResolve(t *testing.T) {
	orgID := uuid.New()
	rules := []Rule{
		{ID: 1, OrgID: orgID, GroupName: "Admins", Role: orgs.RoleAdmin, Priority: 10},
		{ID: 2, OrgID: orgID, GroupName: "Managers", Role: orgs.RoleManager, Priority: 5},
		{ID: 3, OrgID: orgID, GroupName: "Everyone", Role: orgs.RoleMember, Priority: 1},
	}

	tests := []struct {
		name        string
		rules       []Rule
		defaultRole orgs.Role
		claims      []string
		want        orgs.Role
	}{
		{"empty claims yield default", rules, orgs.RoleInvestigator, nil, orgs.RoleInvestigator},
		{"empty claims with unset default yield fallback", rules, "", nil, orgs.RoleMember},
		{"first priority match wins", rules, orgs.RoleMember, []string{"Everyone", "Admins"}, orgs.RoleAdmin},
		{"lower priority match", rules, orgs.RoleMember, []string{"Everyone"}, orgs.RoleMember},
		{"case insensitive", rules, orgs.RoleMember, []string{"ADMINS"}, orgs.RoleAdmin},
		{"no match yields fallback not default", rules, orgs.RoleAdmin, []string{"Unknown"}, orgs.RoleMember},
		{"no rules yields fallback", nil, orgs.RoleAdmin, []string{"Admins"}, orgs.RoleMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.rules, tt.defaultRole, tt.claims))
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	orgID := uuid.New()
	rules := []Rule{
		{ID: 1, OrgID: orgID, GroupName: "Ops", Role: orgs.RoleManager, Priority: 10},
		{ID: 2, OrgID: orgID, GroupName: "Ops", Role: orgs.RoleAdmin, Priority: 5},
	}

	// The list is priority-ordered; repeated evaluation never flips
	for i := 0; i < 10; i++ {
		assert.Equal(t, orgs.RoleManager, Resolve(rules, orgs.RoleMember, []string{"ops"}))
	}
}

func TestRulesForOrg(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	orgID := uuid.New()
	mock.ExpectQuery(`SELECT (.+) FROM role_mappings`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "group_name", "role", "priority"}).
			AddRow(1, orgID, "Admins", "admin", 10).
			AddRow(2, orgID, "Everyone", "member", 1))

	rules, err := NewStore(db).RulesForOrg(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "Admins", rules[0].GroupName)
	assert.Equal(t, orgs.RoleAdmin, rules[0].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetermine(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	orgID := uuid.New()
	mock.ExpectQuery(`SELECT (.+) FROM role_mappings`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "group_name", "role", "priority"}).
			AddRow(1, orgID, "Admins", "admin", 10))

	role, err := NewStore(db).Determine(context.Background(), orgID, orgs.RoleMember, []string{"Admins"})
	require.NoError(t, err)
	assert.Equal(t, orgs.RoleAdmin, role)
}
