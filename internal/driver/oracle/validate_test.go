package oracle

import (
	"strings"
	"testing"
)

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{"simple select", "SELECT * FROM ORDERS", ""},
		{"lowercase select", "select id from orders", ""},
		{"with clause", "WITH t AS (SELECT 1 AS x FROM dual) SELECT x FROM t", ""},
		{"trailing semicolon", "SELECT * FROM ORDERS;", ""},
		{"keyword in literal", "SELECT * FROM LOG WHERE action = 'DELETE'", ""},
		{"keyword in quoted identifier", `SELECT "UPDATE" FROM AUDIT_TRAIL`, ""},
		{"keyword in comment", "SELECT id -- drop me later\nFROM t", ""},
		{"keyword in block comment", "SELECT /* insert hint */ id FROM t", ""},
		{"keyword as substring", "SELECT created_at, updated_by FROM t", ""},
		{"escaped quote in literal", "SELECT * FROM t WHERE n = 'O''Brien; DROP'", ""},
		{"empty", "   ", "empty"},
		{"only comment", "-- nothing", "empty"},
		{"delete", "DELETE FROM ORDERS", "must start with SELECT"},
		{"update", "UPDATE ORDERS SET x = 1", "must start with SELECT"},
		{"select for update", "SELECT * FROM ORDERS FOR UPDATE", "forbidden keyword UPDATE"},
		{"stacked statement", "SELECT 1 FROM dual; DROP TABLE ORDERS", "single statement"},
		{"subquery insert", "WITH x AS (SELECT 1 FROM dual) INSERT INTO t SELECT * FROM x", "forbidden keyword INSERT"},
		{"exec", "SELECT * FROM t WHERE EXEC = 1", "forbidden keyword EXEC"},
		{"grant", "select grant from t", "forbidden keyword GRANT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuery(tt.query)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateQuery(%q) unexpected error: %v", tt.query, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateQuery(%q) error = %v, want %q", tt.query, err, tt.wantErr)
			}
		})
	}
}

func TestTrimStatement(t *testing.T) {
	if got := TrimStatement("  SELECT 1 FROM dual ;\n"); got != "SELECT 1 FROM dual" {
		t.Errorf("TrimStatement = %q", got)
	}
}
