package business_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finpulse/internal/business"
	finpulsetesting "github.com/aristath/finpulse/internal/testing"
)

func TestRepository_CreateGet(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()

	repo := business.NewRepository(db.Conn(), zerolog.Nop())

	created, err := repo.Create("org_1", "Acme Co")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "org_1", created.OrgID)
	assert.Equal(t, "Acme Co", created.Name)

	fetched, err := repo.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, created.Name, fetched.Name)
	assert.WithinDuration(t, created.CreatedAt, fetched.CreatedAt, 0)
}

func TestRepository_GetNotFound(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()

	repo := business.NewRepository(db.Conn(), zerolog.Nop())

	_, err := repo.Get("does-not-exist")
	require.Error(t, err)
}

func TestRepository_DeleteRemovesScopedRows(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()

	repo := business.NewRepository(db.Conn(), zerolog.Nop())
	b := finpulsetesting.NewBusinessFixture(t, repo, "Will Be Deleted")

	conn := finpulsetesting.GetRawConnection(db)
	_, err := conn.Exec(`INSERT INTO accounts (id, business_id, name, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		"acct_1", b.ID, "Checking", "asset", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	require.NoError(t, repo.Delete(b.ID))

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM accounts WHERE business_id = ?`, b.ID).Scan(&count))
	assert.Equal(t, 0, count)

	_, err = repo.Get(b.ID)
	assert.Error(t, err)
}
