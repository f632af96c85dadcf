// Package migrations embeds and applies the SQL schemas of the token_meta
// store (PostgreSQL) and the processed_trades sink (ClickHouse).
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// PostgresFS embeds all PostgreSQL migration files.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds all ClickHouse migration files.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS

// script is one migration file broken into executable statements.
type script struct {
	name  string
	stmts []string
}

// execFunc runs a single statement.
type execFunc func(ctx context.Context, stmt string) error

// loadScripts reads the .sql files under dir in lexical order. With split
// set each file is cut into statements; otherwise the whole file is one
// statement. Empty files are skipped.
func loadScripts(fsys fs.FS, dir string, split bool) ([]script, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, path.Join(dir, e.Name()))
		}
	}
	sort.Strings(names)

	scripts := make([]script, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		body := string(data)
		if strings.TrimSpace(body) == "" {
			continue
		}
		stmts := []string{body}
		if split {
			stmts = splitStatements(body)
		}
		scripts = append(scripts, script{name: name, stmts: stmts})
	}
	return scripts, nil
}

// apply runs every statement in order and stops at the first failure.
func apply(ctx context.Context, scripts []script, exec execFunc) error {
	for _, s := range scripts {
		for i, stmt := range s.stmts {
			if err := exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s (statement %d): %w", s.name, i+1, err)
			}
		}
	}
	return nil
}

// splitStatements cuts SQL on semicolons outside single-quoted literals
// and drops -- line comments. Doubled quotes inside a literal are kept.
func splitStatements(sql string) []string {
	var (
		stmts []string
		cur   strings.Builder
		quote bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote:
			cur.WriteByte(c)
			if c == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					cur.WriteByte('\'')
					i++
				} else {
					quote = false
				}
			}
		case c == '\'':
			quote = true
			cur.WriteByte(c)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return stmts
}
