package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Dan9191/loans-finder/internal/objectstore"
	"github.com/tidwall/gjson"
)

// Column types understood by external tables.
const (
	TypeVarchar = "VARCHAR"
	TypeDouble  = "DOUBLE"
	TypeInteger = "INTEGER"
	TypeBoolean = "BOOLEAN"
)

// Column maps a JSON path of each raw object onto a table column.
type Column struct {
	Name string
	Type string
	Path string
}

// ExternalTable exposes the JSON objects under Prefix as a temporary table
// for the duration of one query.
type ExternalTable struct {
	Name    string
	Prefix  string
	Columns []Column
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (t ExternalTable) createSQL() string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quoteIdent(c.Name) + " " + c.Type
	}
	return fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s (%s)", quoteIdent(t.Name), strings.Join(cols, ", "))
}

func (t ExternalTable) insertSQL() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(t.Name), marks)
}

// extract returns the row values of one raw object. Missing fields are NULL.
func (t ExternalTable) extract(body []byte) []any {
	row := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		v := gjson.GetBytes(body, c.Path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		switch c.Type {
		case TypeDouble:
			row[i] = v.Float()
		case TypeInteger:
			row[i] = v.Int()
		case TypeBoolean:
			row[i] = v.Bool()
		default:
			row[i] = v.String()
		}
	}
	return row
}

// load materializes the table on conn. Objects deleted while loading are
// skipped.
func (t ExternalTable) load(ctx context.Context, conn *sql.Conn, bucket objectstore.Bucket) (int, error) {
	if _, err := conn.ExecContext(ctx, t.createSQL()); err != nil {
		return 0, fmt.Errorf("failed to create external table %s: %w", t.Name, err)
	}
	keys, err := bucket.List(ctx, t.Prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	stmt, err := conn.PrepareContext(ctx, t.insertSQL())
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert into %s: %w", t.Name, err)
	}
	defer stmt.Close()

	n := 0
	for _, key := range keys {
		body, err := bucket.Get(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if _, err := stmt.ExecContext(ctx, t.extract(body)...); err != nil {
			return n, fmt.Errorf("failed to load %s into %s: %w", key, t.Name, err)
		}
		n++
	}
	return n, nil
}

func (t ExternalTable) drop(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t.Name))
	return err
}
