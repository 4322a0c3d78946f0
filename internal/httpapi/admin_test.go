package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsight-io/netsight/internal/store"
)

func TestAdminRoutesAreOwnerOnly(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 7, "alice", store.RoleAdmin)

	f.expectUserByID(7, "alice", store.RoleAdmin)
	w := f.do(t, http.MethodPut, "/api/admin/users/9/role", token, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	f.expectUserByID(7, "alice", store.RoleAdmin)
	w = f.do(t, http.MethodPost, "/api/admin/users/9/deactivate", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminSetRole(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 1, "root", store.RoleOwner)

	f.expectUserByID(1, "root", store.RoleOwner)
	f.mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET role = $2 WHERE id = $1`)).
		WithArgs(int64(9), store.RoleAdmin).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do(t, http.MethodPut, "/api/admin/users/9/role", token, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAdminSetRoleValidatesRole(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 1, "root", store.RoleOwner)

	f.expectUserByID(1, "root", store.RoleOwner)
	w := f.do(t, http.MethodPut, "/api/admin/users/9/role", token, map[string]string{"role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCannotChangeOwnRole(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 1, "root", store.RoleOwner)

	f.expectUserByID(1, "root", store.RoleOwner)
	w := f.do(t, http.MethodPut, "/api/admin/users/1/role", token, map[string]string{"role": "member"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Cannot change your own role", detail(t, w))
}

func TestAdminDeactivateUser(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 1, "root", store.RoleOwner)

	f.expectUserByID(1, "root", store.RoleOwner)
	f.mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET active = false WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do(t, http.MethodPost, "/api/admin/users/9/deactivate", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAdminDeactivateMissingUserIs404(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 1, "root", store.RoleOwner)

	f.expectUserByID(1, "root", store.RoleOwner)
	f.mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET active = false WHERE id = $1`)).
		WithArgs(int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := f.do(t, http.MethodPost, "/api/admin/users/404/deactivate", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminCannotDeactivateSelf(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 1, "root", store.RoleOwner)

	f.expectUserByID(1, "root", store.RoleOwner)
	w := f.do(t, http.MethodPost, "/api/admin/users/1/deactivate", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminListUsers(t *testing.T) {
	f := newFixture(t)
	token := f.sessionToken(t, 1, "root", store.RoleOwner)

	f.expectUserByID(1, "root", store.RoleOwner)
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users ORDER BY id`)).
		WillReturnRows(userRow(1, "root", "root@example.com", store.RoleOwner, "x", true).
			AddRow(9, "bob", "bob@example.com", store.RoleMember, "x", true, false, "UTC", "", "", "", time.Now()))

	w := f.do(t, http.MethodGet, "/api/admin/users", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp []userResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "root", resp[0].Username)
	assert.Equal(t, "bob", resp[1].Username)
}
