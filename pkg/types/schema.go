package types

import (
	"fmt"
	"strings"
)

// TableIdentity names a table in the catalog.
type TableIdentity struct {
	Database string `json:"database" yaml:"database"`
	Table    string `json:"table" yaml:"table"`
}

// String returns "database.table".
func (t TableIdentity) String() string {
	return fmt.Sprintf("%s.%s", t.Database, t.Table)
}

// Validate checks that both parts of the identity are set.
func (t TableIdentity) Validate() error {
	if t.Database == "" || t.Table == "" {
		return fmt.Errorf("table identity requires database and table, got %q", t.String())
	}
	return nil
}

// ParseTableIdentity parses "database.table". The table part may not
// contain further dots.
func ParseTableIdentity(s string) (TableIdentity, error) {
	db, table, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(table, ".") {
		return TableIdentity{}, fmt.Errorf("table identity must be database.table, got %q", s)
	}
	t := TableIdentity{Database: db, Table: table}
	return t, t.Validate()
}

// ColumnDef defines a single column of a table schema.
type ColumnDef struct {
	// Path is the canonical flattened column path
	Path string `json:"path"`
	// Type is the least-upper-bound type seen for the column
	Type PrimitiveType `json:"type"`
	// Nullable is true when some row or partition lacks a value
	Nullable bool `json:"nullable"`
}

// TableSchema is the ordered column set of a table.
type TableSchema struct {
	// Version increments each time the column set or a column type changes
	Version int `json:"version"`
	// Columns in stable order: existing columns keep position, new ones append
	Columns []ColumnDef `json:"columns"`
}

// Column returns the column with the given path and its position.
func (s TableSchema) Column(path string) (ColumnDef, int, bool) {
	for i, c := range s.Columns {
		if c.Path == path {
			return c, i, true
		}
	}
	return ColumnDef{}, -1, false
}

// Paths returns the column paths in schema order.
func (s TableSchema) Paths() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Path
	}
	return out
}

// Clone returns a deep copy of the schema.
func (s TableSchema) Clone() TableSchema {
	cp := TableSchema{Version: s.Version}
	if s.Columns != nil {
		cp.Columns = make([]ColumnDef, len(s.Columns))
		copy(cp.Columns, s.Columns)
	}
	return cp
}

// Equal compares two schemas structurally, ignoring Version.
func (s TableSchema) Equal(o TableSchema) bool {
	if len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}
