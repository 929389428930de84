package store

import (
	"os"
	"regexp"
	"testing"
)

// Rule listing orders by created_at, so the column has to exist in the DDL or
// every automation evaluation fails at query time.
func TestDiscountRulesQueryColumnsExistInMigration(t *testing.T) {
	ddl, err := os.ReadFile("../../migrations/000005_discounts_events.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	table := regexp.MustCompile(`(?s)CREATE TABLE discount_rules \((.*?)\);`).FindSubmatch(ddl)
	if table == nil {
		t.Fatal("discount_rules DDL not found")
	}
	columns := []string{
		"id", "name", "trigger_event", "conditions",
		"valid_from", "valid_to", "max_uses_per_family", "active", "created_at",
	}
	for _, col := range columns {
		if !regexp.MustCompile(`(?m)^\s*` + col + `\s`).Match(table[1]) {
			t.Errorf("discount_rules missing column %s", col)
		}
	}
}
