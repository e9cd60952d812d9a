package masterdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/testdb"
)

func TestAccountsCached(t *testing.T) {
	db := testdb.New(t)
	_, err := db.Exec(`INSERT INTO accounts (id, name, number) VALUES ('a-1', 'Lumber & Materials', '5010')`)
	require.NoError(t, err)

	store := NewStore(db, time.Minute)
	ctx := context.Background()

	accounts, err := store.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	// A new row is invisible until the snapshot expires.
	_, err = db.Exec(`INSERT INTO accounts (id, name, number) VALUES ('a-2', 'Paint', '5020')`)
	require.NoError(t, err)

	accounts, err = store.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	accounts, err = store.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestAccountName(t *testing.T) {
	db := testdb.New(t)
	_, err := db.Exec(`INSERT INTO accounts (id, name, number) VALUES ('a-1', 'Lumber & Materials', '')`)
	require.NoError(t, err)

	store := NewStore(db, time.Minute)

	name, err := store.AccountName(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, "Lumber & Materials", name)

	_, err = store.AccountName(context.Background(), "a-missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestProjectLookup(t *testing.T) {
	db := testdb.New(t)
	_, err := db.Exec(`INSERT INTO projects (id, name, stage) VALUES ('p-1', 'Maple St', 'framing')`)
	require.NoError(t, err)

	store := NewStore(db, time.Minute)

	p, err := store.Project(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "framing", p.Stage)

	_, err = store.Project(context.Background(), "p-404")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestVendorByName(t *testing.T) {
	db := testdb.New(t)
	_, err := db.Exec(`INSERT INTO vendors (id, name) VALUES ('v-1', 'The Home Depot')`)
	require.NoError(t, err)

	store := NewStore(db, time.Minute)

	v, err := store.VendorByName(context.Background(), "the home depot")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v-1", v.ID)

	v, err = store.VendorByName(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, v)
}
