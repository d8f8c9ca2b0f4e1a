package httpserver

import (
	"net/http/httptest"
	"testing"
)

func TestParseOffsetParamsDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/things", nil)
	p, err := ParseOffsetParams(r)
	if err != nil {
		t.Fatalf("ParseOffsetParams: %v", err)
	}
	if p.PageSize != DefaultPageSize || p.Offset != 0 {
		t.Errorf("params = %+v", p)
	}
}

func TestParseOffsetParams(t *testing.T) {
	r := httptest.NewRequest("GET", "/things?limit=10&offset=30", nil)
	p, err := ParseOffsetParams(r)
	if err != nil {
		t.Fatalf("ParseOffsetParams: %v", err)
	}
	if p.PageSize != 10 || p.Offset != 30 {
		t.Errorf("params = %+v", p)
	}
}

func TestParseOffsetParamsCapsLimit(t *testing.T) {
	r := httptest.NewRequest("GET", "/things?limit=100000", nil)
	p, err := ParseOffsetParams(r)
	if err != nil {
		t.Fatalf("ParseOffsetParams: %v", err)
	}
	if p.PageSize != MaxPageSize {
		t.Errorf("PageSize = %d, want %d", p.PageSize, MaxPageSize)
	}
}

func TestParseOffsetParamsRejectsGarbage(t *testing.T) {
	for _, q := range []string{"limit=abc", "limit=-1", "offset=-5", "offset=x"} {
		r := httptest.NewRequest("GET", "/things?"+q, nil)
		if _, err := ParseOffsetParams(r); err == nil {
			t.Errorf("query %q accepted", q)
		}
	}
}
