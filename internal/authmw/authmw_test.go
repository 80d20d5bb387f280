package authmw

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/readings", http.NoBody)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("device-current", "device-previous")(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"current token", "Bearer device-current", http.StatusOK},
		{"previous token", "Bearer device-previous", http.StatusOK},
		{"no header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase bearer", "bearer device-current", http.StatusUnauthorized},
		{"no prefix", "device-current", http.StatusUnauthorized},
		{"wrong token", "Bearer stolen", http.StatusUnauthorized},
		{"prefix of token", "Bearer device", http.StatusUnauthorized},
		{"token with suffix", "Bearer device-current-extra", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(h, tt.header)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
					t.Errorf("WWW-Authenticate = %q", got)
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q", ct)
				}
			}
		})
	}
}

func TestBearerToken_NoTokensRejectsAll(t *testing.T) {
	t.Parallel()

	h := BearerToken()(okHandler)
	if rec := serve(h, "Bearer "); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestBearerToken_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})

	rec := serve(BearerToken("tok")(inner), "Bearer tok")
	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestParseTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"one", []string{"one"}},
		{"one, two", []string{"one", "two"}},
		{",one,,two ,", []string{"one", "two"}},
	}
	for _, tt := range tests {
		if got := ParseTokens(tt.raw); !slices.Equal(got, tt.want) {
			t.Errorf("ParseTokens(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
