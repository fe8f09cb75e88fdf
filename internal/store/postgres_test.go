package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupPostgres creates a throwaway schema on TEST_DATABASE_URL.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	schema := fmt.Sprintf("loans_test_%d", time.Now().UnixNano())
	_, err = db.Exec("CREATE SCHEMA " + schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Exec("DROP SCHEMA " + schema + " CASCADE")
		db.Close()
	})

	db.SetMaxOpenConns(1)
	_, err = db.Exec("SET search_path TO " + schema)
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestPostgresStore_WritePaths(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	_, err := s.Put(ctx, rateItem("IRS_1Y", 0.4))
	require.NoError(t, err)

	loan := Item{AttrPK: "loan#1", AttrSK: "loan#1", AttrEntity: "loan", AttrGSI1PK: "loans", AttrGSI1SK: "loan#1"}
	create := []TransactItem{
		{ConditionCheck: &ConditionCheck{Key: Key{"rate#IRS_1Y", "rate#IRS_1Y"}, Condition: ConditionExists}},
		{Put: &Put{Item: loan, Condition: ConditionNotExists}},
	}
	require.NoError(t, s.TransactWrite(ctx, create))
	assert.ErrorIs(t, s.TransactWrite(ctx, create), ErrPreconditionFailed)

	missingParent := []TransactItem{
		{ConditionCheck: &ConditionCheck{Key: Key{"rate#NOPE", "rate#NOPE"}, Condition: ConditionExists}},
		{Put: &Put{Item: Item{AttrPK: "loan#2", AttrSK: "loan#2"}, Condition: ConditionNotExists}},
	}
	assert.ErrorIs(t, s.TransactWrite(ctx, missingParent), ErrPreconditionFailed)
	_, err = s.Get(ctx, Key{"loan#2", "loan#2"})
	assert.ErrorIs(t, err, ErrNotFound)

	old, err := s.Put(ctx, rateItem("IRS_1Y", 0.5))
	require.NoError(t, err)
	assert.Equal(t, 0.4, old["value"])

	loans, err := s.QueryIndex(ctx, "loans")
	require.NoError(t, err)
	assert.Len(t, loans, 1)

	_, err = s.Put(ctx, Item{AttrPK: "loan#1", AttrSK: "loan_variant#a"})
	require.NoError(t, err)
	variants, err := s.Query(ctx, "loan#1", "loan_variant#")
	require.NoError(t, err)
	require.Len(t, variants, 1)
	require.NoError(t, s.BatchDelete(ctx, []Key{variants[0].Key()}))

	var changes []Change
	for shard := 0; shard < 4; shard++ {
		got, err := s.ReadChanges(ctx, shard, 4, 0, 100)
		require.NoError(t, err)
		changes = append(changes, got...)
	}
	// rate insert, loan insert, rate modify, variant insert, variant remove
	assert.Len(t, changes, 5)
}
