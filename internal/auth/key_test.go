package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		expected string
		want     bool
	}{
		{"match", "secret", "secret", true},
		{"mismatch", "wrong", "secret", false},
		{"empty provided", "", "secret", false},
		{"empty expected", "secret", "", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateKey(tt.provided, tt.expected); got != tt.want {
				t.Errorf("ValidateKey(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
			}
		})
	}
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
		ok      bool
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc", true},
		{"lowercase bearer", map[string]string{"Authorization": "bearer abc"}, "abc", true},
		{"x-api-key", map[string]string{KeyHeader: "abc"}, "abc", true},
		{"basic scheme", map[string]string{"Authorization": "Basic abc"}, "", false},
		{"none", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got, ok := ExtractKey(r)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ExtractKey() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
