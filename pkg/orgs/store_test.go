package orgs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestGetOrganization(t *testing.T) {
	store, mock := newTestStore(t)
	orgID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM organizations`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "is_active", "scim_token", "created_at"}).
			AddRow(orgID, "Acme", "acme", true, "secret-token", time.Now()))

	org, err := store.GetOrganization(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", org.Name)
	assert.Equal(t, "secret-token", org.SCIMToken)
}

func TestGetOrganizationNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	orgID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM organizations`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetOrganization(context.Background(), orgID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMemberConflict(t *testing.T) {
	store, mock := newTestStore(t)
	orgID, userID := uuid.New(), uuid.New()

	// ON CONFLICT DO NOTHING reports zero affected rows for a duplicate
	mock.ExpectExec(`INSERT INTO organization_members`).
		WithArgs(orgID, userID, RoleMember).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AddMember(context.Background(), orgID, userID, RoleMember)
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestAddMember(t *testing.T) {
	store, mock := newTestStore(t)
	orgID, userID := uuid.New(), uuid.New()

	mock.ExpectExec(`INSERT INTO organization_members`).
		WithArgs(orgID, userID, RoleAdmin).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, store.AddMember(context.Background(), orgID, userID, RoleAdmin))
}

func TestUpdateMemberRoleNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	orgID, userID := uuid.New(), uuid.New()

	mock.ExpectExec(`UPDATE organization_members`).
		WithArgs(RoleManager, orgID, userID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateMemberRole(context.Background(), orgID, userID, RoleManager)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveMember(t *testing.T) {
	store, mock := newTestStore(t)
	orgID, userID := uuid.New(), uuid.New()

	mock.ExpectExec(`DELETE FROM organization_members`).
		WithArgs(orgID, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.RemoveMember(context.Background(), orgID, userID))
}

func TestListMembers(t *testing.T) {
	store, mock := newTestStore(t)
	orgID := uuid.New()
	userID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WithArgs(orgID, 0, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "user_id", "role", "created_at", "updated_at",
			"email", "full_name", "is_active", "created_at", "last_login_at",
		}).AddRow(1, orgID, userID, "member", time.Now(), time.Now(),
			"alice@example.com", "Alice", true, time.Now(), nil))

	members, total, err := store.ListMembers(context.Background(), orgID, "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, members, 1)
	assert.Equal(t, "alice@example.com", members[0].Email)
	assert.Equal(t, userID, members[0].UserID)
}

func TestListMembersWithFilter(t *testing.T) {
	store, mock := newTestStore(t)
	orgID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(orgID, "bob@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WithArgs(orgID, "bob@example.com", 0, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "user_id", "role", "created_at", "updated_at",
			"email", "full_name", "is_active", "created_at", "last_login_at",
		}))

	members, total, err := store.ListMembers(context.Background(), orgID, "bob@example.com", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, members)
}

func TestGetSSOConfigNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	orgID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM sso_configs`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetSSOConfig(context.Background(), orgID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleManager.Valid())
	assert.True(t, RoleInvestigator.Valid())
	assert.True(t, RoleMember.Valid())
	assert.False(t, Role("superuser").Valid())
	assert.False(t, Role("").Valid())
}
