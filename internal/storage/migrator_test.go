package storage

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "statement with semicolon in string",
			sql:      "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Fatalf("splitStatements() returned %d statements %v, want %d", len(result), result, len(tt.expected))
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestStripComments(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"-- Comment\nCREATE TABLE a (id INT)", "CREATE TABLE a (id INT)"},
		{"CREATE TABLE a (\n  -- inline\n  id INT\n)", "CREATE TABLE a (\n  id INT\n)"},
		{"-- only a comment", ""},
	}

	for _, tt := range tests {
		if got := stripComments(tt.in); got != tt.want {
			t.Errorf("stripComments(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("loadMigrations() returned no migrations")
	}

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not sorted: version %d comes after %d",
				migrations[i].Version, migrations[i-1].Version)
		}
	}

	if migrations[0].Version != 1 || migrations[0].Name != "create_security_events" {
		t.Errorf("first migration = %d %q", migrations[0].Version, migrations[0].Name)
	}

	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}
	for _, table := range []string{
		TableEvents, TableIncidents, TableAnomalies, TablePatterns, TableAlerts, TableRejected,
	} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("no migration creates table %s", table)
		}
	}
}

func TestSanitizeTableName(t *testing.T) {
	if got := sanitizeTableName("security_events; DROP TABLE x"); got != "security_eventsDROPTABLEx" {
		t.Errorf("sanitizeTableName() = %q", got)
	}
}
