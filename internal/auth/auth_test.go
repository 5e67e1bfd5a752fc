package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer test-key", want: "test-key"},
		{name: "trims", header: "Bearer   padded  ", want: "padded"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty", header: "Bearer   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got token %q", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ExtractBearerToken() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeSessionsRO}},
		{Token: "operator", Scopes: []string{" sessions:rw ", "jobs:rw", ""}},
	}

	admin, ok := Authenticate("admin-key", "admin-key", tokens)
	if !ok || !HasAnyScope(admin, ScopeJobsRO) {
		t.Fatalf("api key should authenticate with full access")
	}

	reader, ok := Authenticate("reader", "admin-key", tokens)
	if !ok {
		t.Fatal("reader token rejected")
	}
	if HasAnyScope(reader, ScopeSessionsRW) {
		t.Fatal("read-only token must not grant sessions:rw")
	}
	if !HasAnyScope(reader, ScopeSessionsRO, ScopeSessionsRW) {
		t.Fatal("read-only token should grant sessions:ro")
	}

	operator, ok := Authenticate("operator", "", tokens)
	if !ok {
		t.Fatal("operator token rejected")
	}
	for _, scope := range []string{ScopeSessionsRO, ScopeSessionsRW, ScopeJobsRO} {
		if !HasAnyScope(operator, scope) {
			t.Errorf("operator should hold %s", scope)
		}
	}
	if _, ok := operator.Scopes[""]; ok {
		t.Error("blank scope should be dropped")
	}

	if _, ok := Authenticate("nope", "admin-key", tokens); ok {
		t.Fatal("unknown token accepted")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatal("empty token accepted with empty api key")
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("unexpected principal in empty context")
	}
	ctx := WithPrincipal(context.Background(), Principal{Token: "x"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Token != "x" {
		t.Fatalf("PrincipalFromContext() = %+v, %v", p, ok)
	}
}
