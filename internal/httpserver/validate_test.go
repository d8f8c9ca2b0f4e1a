package httpserver

import (
	"net/http/httptest"
	"strings"
	"testing"
)

type sampleRequest struct {
	Hostname string `json:"hostname" validate:"required,hostname_rfc1123"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
}

func TestDecodeValid(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"hostname":"app-01","port":8080}`))
	var dst sampleRequest
	if err := Decode(r, &dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst.Hostname != "app-01" || dst.Port != 8080 {
		t.Errorf("decoded %+v", dst)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"hostname":"a","port":1,"extra":true}`))
	var dst sampleRequest
	if err := Decode(r, &dst); err == nil {
		t.Error("Decode accepted unknown field")
	}
}

func TestDecodeRejectsEmptyBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(""))
	var dst sampleRequest
	if err := Decode(r, &dst); err == nil {
		t.Error("Decode accepted empty body")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"hostname":"a","port":1}{"port":2}`))
	var dst sampleRequest
	if err := Decode(r, &dst); err == nil {
		t.Error("Decode accepted trailing JSON")
	}
}

func TestValidateFieldErrors(t *testing.T) {
	errs := Validate(sampleRequest{Hostname: "", Port: 70000})
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %+v", len(errs), errs)
	}

	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	if !fields["hostname"] || !fields["port"] {
		t.Errorf("unexpected fields: %+v", errs)
	}
}

func TestValidateOK(t *testing.T) {
	if errs := Validate(sampleRequest{Hostname: "db-01", Port: 5432}); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %+v", errs)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hostname", "hostname"},
		{"PublicKey", "public_key"},
		{"OverlayIP", "overlay_i_p"},
		{"port", "port"},
	}
	for _, tt := range tests {
		if got := toSnakeCase(tt.in); got != tt.want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
