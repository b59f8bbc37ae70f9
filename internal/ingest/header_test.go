package ingest

import (
	"testing"
)

func TestHeaderRewriteApply(t *testing.T) {
	rw := NewHeaderRewrite([][2]string{
		{"ACCOUNT_NO", "ACCOUNTNUMBER"},
		{"CUSTOMER", "Name"},
	})

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"single token", "ACCOUNT_NO,Phone", "ACCOUNTNUMBER,Phone"},
		{"quoted token keeps quotes", `"ACCOUNT_NO","Phone"`, `"ACCOUNTNUMBER","Phone"`},
		{"several tokens", "CUSTOMER,ACCOUNT_NO", "Name,ACCOUNTNUMBER"},
		{"substring is not a token", "ACCOUNT_NO_OLD,PARENT_ACCOUNT_NO", "ACCOUNT_NO_OLD,PARENT_ACCOUNT_NO"},
		{"padded token", " ACCOUNT_NO ,Phone", "ACCOUNTNUMBER,Phone"},
		{"no match", "Id,Phone", "Id,Phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rw.Apply(tt.header); got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestHeaderRewriteEmpty(t *testing.T) {
	var nilRewrite *HeaderRewrite
	if got := nilRewrite.Apply("ACCOUNT_NO"); got != "ACCOUNT_NO" {
		t.Errorf("nil rewrite changed header: %q", got)
	}
	if got := NewHeaderRewrite(nil).Apply("ACCOUNT_NO"); got != "ACCOUNT_NO" {
		t.Errorf("empty rewrite changed header: %q", got)
	}
}
