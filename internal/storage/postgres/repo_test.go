package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestSplitFQN(t *testing.T) {
	assert.Equal(t, pgx.Identifier{"public", "dj_1922"}, splitFQN("public.dj_1922"))
	assert.Equal(t, pgx.Identifier{"DJ_1922"}, splitFQN("DJ_1922"))
}

func TestEnsureTableSQL(t *testing.T) {
	stmts := EnsureTableSQL("public.DJ_1922", []string{"C1", "ID_REGISTRO"})

	assert.Equal(t, []string{
		"CREATE TABLE IF NOT EXISTS \"public\".\"DJ_1922\" (\n  \"C1\" TEXT,\n  \"ID_REGISTRO\" TEXT\n)",
		`ALTER TABLE "public"."DJ_1922" ADD COLUMN IF NOT EXISTS "C1" TEXT`,
		`ALTER TABLE "public"."DJ_1922" ADD COLUMN IF NOT EXISTS "ID_REGISTRO" TEXT`,
	}, stmts)
}
