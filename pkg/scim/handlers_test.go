package scim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewyze/identity/pkg/audit"
	"github.com/casewyze/identity/pkg/identity"
	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
	"github.com/casewyze/identity/pkg/rolemap"
)

const testToken = "scim-bearer-token"

func newTestHandler(t *testing.T) (sqlmock.Sqlmock, *mux.Router) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	metrics := observability.NewMetrics()
	orgStore := orgs.NewStore(db)
	roleStore := rolemap.NewStore(db)
	reconciler := identity.NewReconciler(db, orgStore, audit.NopLogger{}, logger)
	provlog := audit.NewProvisioningStore(db)

	handler := NewHandler(orgStore, roleStore, reconciler, provlog, audit.NopLogger{}, metrics, logger)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return mock, router
}

func expectOrg(mock sqlmock.Sqlmock, orgID uuid.UUID, active bool) {
	mock.ExpectQuery(`SELECT (.+) FROM organizations`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "is_active", "scim_token", "created_at"}).
			AddRow(orgID, "Acme", "acme", active, testToken, time.Now()))
}

func scimRequest(t *testing.T, method, target, token, body string) *http.Request {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", contentType)
	return req
}

func memberRows(orgID, userID uuid.UUID, email string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "user_id", "role", "created_at", "updated_at",
		"email", "full_name", "is_active", "created_at", "last_login_at",
	}).AddRow(1, orgID, userID, "member", time.Now(), time.Now(),
		email, "Test User", true, time.Now(), nil)
}

func expectProvisioningLog(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`INSERT INTO provisioning_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
}

func TestAuthMissingToken(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID := uuid.New()
	expectOrg(mock, orgID, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet, "/scim/v2/"+orgID.String()+"/Users", "", ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), SchemaError)
}

func TestAuthWrongToken(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID := uuid.New()
	expectOrg(mock, orgID, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet, "/scim/v2/"+orgID.String()+"/Users", "wrong-token", ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthInactiveOrg(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID := uuid.New()
	expectOrg(mock, orgID, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet, "/scim/v2/"+orgID.String()+"/Users", testToken, ""))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthUnknownOrg(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM organizations`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet, "/scim/v2/"+orgID.String()+"/Users", testToken, ""))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListUsers(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(memberRows(orgID, userID, "alice@example.com"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet, "/scim/v2/"+orgID.String()+"/Users", testToken, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentType, rec.Header().Get("Content-Type"))

	var resp ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{SchemaListResponse}, resp.Schemas)
	assert.Equal(t, 1, resp.TotalResults)
	assert.Equal(t, 1, resp.StartIndex)
	require.Len(t, resp.Resources, 1)
	assert.Equal(t, "alice@example.com", resp.Resources[0].UserName)
	assert.True(t, resp.Resources[0].Active)
}

func TestListUsersWithFilter(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID := uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(orgID, "bob@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "user_id", "role", "created_at", "updated_at",
			"email", "full_name", "is_active", "created_at", "last_login_at",
		}))

	target := `/scim/v2/` + orgID.String() + `/Users?filter=userName%20eq%20%22Bob@example.com%22`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet, target, testToken, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsersUnsupportedFilter(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID := uuid.New()
	expectOrg(mock, orgID, true)

	target := `/scim/v2/` + orgID.String() + `/Users?filter=displayName%20co%20%22x%22`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet, target, testToken, ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUserNotFound(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodGet,
		"/scim/v2/"+orgID.String()+"/Users/"+userID.String(), testToken, ""))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), SchemaError)
}

func TestCreateUserConflict(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT (.+) FROM users`).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "full_name", "is_active", "created_at", "last_login_at"}).
			AddRow(userID, "alice@example.com", "Alice", true, time.Now(), nil))

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WithArgs(orgID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "user_id", "role", "created_at", "updated_at"}).
			AddRow(1, orgID, userID, "member", time.Now(), time.Now()))

	expectProvisioningLog(mock)

	body := `{"schemas":["` + SchemaUser + `"],"userName":"Alice@example.com"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodPost, "/scim/v2/"+orgID.String()+"/Users", testToken, body))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserMissingEmail(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID := uuid.New()
	expectOrg(mock, orgID, true)
	expectProvisioningLog(mock)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodPost, "/scim/v2/"+orgID.String()+"/Users", testToken, `{"displayName":"No Email"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateUser(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	// Pre-check: the account does not exist yet
	mock.ExpectQuery(`SELECT (.+) FROM users`).
		WithArgs("dana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	// Role resolution: no SSO config, rules map Engineering to manager
	mock.ExpectQuery(`SELECT (.+) FROM sso_configs`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT (.+) FROM role_mappings`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "group_name", "role", "priority"}).
			AddRow(1, orgID, "Engineering", "manager", 5))

	// Reconciliation provisions the account and the membership
	mock.ExpectQuery(`SELECT (.+) FROM users`).
		WithArgs("dana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO organization_members`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO role_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET last_login_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	expectProvisioningLog(mock)

	// Read-back for the 201 body
	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(memberRows(orgID, userID, "dana@example.com"))

	body := `{
		"schemas": ["` + SchemaUser + `"],
		"userName": "Dana@example.com",
		"name": {"givenName": "Dana", "familyName": "Diaz"},
		"groups": [{"display": "Engineering"}],
		"active": true
	}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodPost, "/scim/v2/"+orgID.String()+"/Users", testToken, body))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Location"))

	var user User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, "dana@example.com", user.UserName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatchDeactivate(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(memberRows(orgID, userID, "alice@example.com"))
	mock.ExpectExec(`DELETE FROM organization_members`).
		WithArgs(orgID, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM role_assignments`).
		WithArgs(orgID, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectProvisioningLog(mock)

	body := `{"schemas":["` + SchemaPatchOp + `"],"Operations":[{"op":"replace","path":"active","value":false}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodPatch,
		"/scim/v2/"+orgID.String()+"/Users/"+userID.String(), testToken, body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var user User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.False(t, user.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatchReactivateIsNoOp(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(memberRows(orgID, userID, "alice@example.com"))
	expectProvisioningLog(mock)

	body := `{"schemas":["` + SchemaPatchOp + `"],"Operations":[{"op":"replace","value":{"active":true}}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodPatch,
		"/scim/v2/"+orgID.String()+"/Users/"+userID.String(), testToken, body))

	require.Equal(t, http.StatusOK, rec.Code)

	var user User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.True(t, user.Active, "membership untouched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUser(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(memberRows(orgID, userID, "alice@example.com"))
	mock.ExpectExec(`DELETE FROM organization_members`).
		WithArgs(orgID, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM role_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectProvisioningLog(mock)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodDelete,
		"/scim/v2/"+orgID.String()+"/Users/"+userID.String(), testToken, ""))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserNotFound(t *testing.T) {
	mock, router := newTestHandler(t)
	orgID, userID := uuid.New(), uuid.New()
	expectOrg(mock, orgID, true)

	mock.ExpectQuery(`SELECT (.+) FROM organization_members`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, scimRequest(t, http.MethodDelete,
		"/scim/v2/"+orgID.String()+"/Users/"+userID.String(), testToken, ""))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseUserNameFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		want    string
		wantErr bool
	}{
		{"empty", "", "", false},
		{"valid", `userName eq "Alice@Example.com"`, "alice@example.com", false},
		{"unsupported attribute", `displayName eq "x"`, "", true},
		{"unsupported operator", `userName co "x"`, "", true},
		{"unquoted value", `userName eq alice`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseUserNameFilter(tt.filter)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatchOperationActiveValue(t *testing.T) {
	tests := []struct {
		name       string
		op         PatchOperation
		wantActive bool
		wantOK     bool
	}{
		{"path bool false", PatchOperation{Op: "replace", Path: "active", Value: json.RawMessage(`false`)}, false, true},
		{"path bool true", PatchOperation{Op: "replace", Path: "Active", Value: json.RawMessage(`true`)}, true, true},
		{"path string false", PatchOperation{Op: "replace", Path: "active", Value: json.RawMessage(`"False"`)}, false, true},
		{"pathless object", PatchOperation{Op: "replace", Value: json.RawMessage(`{"active": false}`)}, false, true},
		{"unrelated path", PatchOperation{Op: "replace", Path: "displayName", Value: json.RawMessage(`"x"`)}, false, false},
		{"no value", PatchOperation{Op: "remove", Path: "active"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, ok := tt.op.activeValue()
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantActive, active)
			}
		})
	}
}

func TestCreateRequestEmailResolution(t *testing.T) {
	tests := []struct {
		name string
		req  createUserRequest
		want string
	}{
		{"userName wins", createUserRequest{UserName: "a@x.com", Emails: []Email{{Value: "b@x.com"}}}, "a@x.com"},
		{"primary email", createUserRequest{Emails: []Email{{Value: "b@x.com"}, {Value: "c@x.com", Primary: true}}}, "c@x.com"},
		{"first email", createUserRequest{Emails: []Email{{Value: "b@x.com"}}}, "b@x.com"},
		{"none", createUserRequest{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.email())
		})
	}
}

func TestCreateRequestDisplayName(t *testing.T) {
	assert.Equal(t, "Shown", (&createUserRequest{DisplayName: "Shown", Name: &Name{Formatted: "Fmt"}}).displayName())
	assert.Equal(t, "Fmt", (&createUserRequest{Name: &Name{Formatted: "Fmt"}}).displayName())
	assert.Equal(t, "Dana Diaz", (&createUserRequest{Name: &Name{GivenName: "Dana", FamilyName: "Diaz"}}).displayName())
	assert.Equal(t, "", (&createUserRequest{}).displayName())
}
