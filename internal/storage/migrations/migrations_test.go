package migrations

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	sql := `-- header comment
CREATE TABLE a (x String DEFAULT 'a;b'); -- trailing
INSERT INTO a VALUES ('it''s; fine');

;
SELECT 1`

	got := splitStatements(sql)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a (x String DEFAULT 'a;b')", got[0])
	assert.Equal(t, "INSERT INTO a VALUES ('it''s; fine')", got[1])
	assert.Equal(t, "SELECT 1", got[2])
}

func TestLoadScripts_OrderAndSkip(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_b.sql":  {Data: []byte("SELECT 2; SELECT 3;")},
		"m/001_a.sql":  {Data: []byte("SELECT 1;")},
		"m/003_c.sql":  {Data: []byte("  \n")},
		"m/readme.txt": {Data: []byte("ignored")},
	}

	split, err := loadScripts(fsys, "m", true)
	require.NoError(t, err)
	require.Len(t, split, 2)
	assert.Equal(t, "m/001_a.sql", split[0].name)
	assert.Equal(t, []string{"SELECT 2", "SELECT 3"}, split[1].stmts)

	whole, err := loadScripts(fsys, "m", false)
	require.NoError(t, err)
	require.Len(t, whole, 2)
	assert.Equal(t, []string{"SELECT 2; SELECT 3;"}, whole[1].stmts)
}

func TestApply_StopsAtFirstFailure(t *testing.T) {
	scripts := []script{
		{name: "001.sql", stmts: []string{"ok 1", "bad"}},
		{name: "002.sql", stmts: []string{"ok 2"}},
	}
	var ran []string
	err := apply(context.Background(), scripts, func(_ context.Context, stmt string) error {
		ran = append(ran, stmt)
		if stmt == "bad" {
			return errors.New("syntax error")
		}
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "001.sql (statement 2)")
	assert.Equal(t, []string{"ok 1", "bad"}, ran)
}

func TestEmbeddedSchemas(t *testing.T) {
	pg, err := loadScripts(PostgresFS, "postgres", false)
	require.NoError(t, err)
	assert.NotEmpty(t, pg)

	ch, err := loadScripts(ClickhouseFS, "clickhouse", true)
	require.NoError(t, err)
	require.NotEmpty(t, ch)
	for _, s := range ch {
		assert.NotEmpty(t, s.stmts, s.name)
	}
}
