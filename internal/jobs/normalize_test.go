package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "https://example.com/data", "example.com/data"},
		{"http and https collapse", "http://example.com/data", "example.com/data"},
		{"www stripped", "https://www.example.com/data", "example.com/data"},
		{"trailing slash stripped", "https://example.com/data/", "example.com/data"},
		{"query dropped", "https://example.com/data?page=2&sort=asc", "example.com/data"},
		{"fragment dropped", "https://example.com/data#section", "example.com/data"},
		{"case folded", "HTTPS://Example.COM/Data", "example.com/data"},
		{"scheme-relative", "//example.com/data", "example.com/data"},
		{"no scheme", "example.com/data", "example.com/data"},
		{"root url", "https://www.example.com/", "example.com"},
		{"whitespace trimmed", "  https://example.com/data  ", "example.com/data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestNormalizeURLEquivalence(t *testing.T) {
	variants := []string{
		"https://www.data.gov/catalog/",
		"http://data.gov/catalog",
		"https://data.gov/catalog?ref=search",
		"HTTP://WWW.DATA.GOV/catalog#top",
	}
	want := NormalizeURL(variants[0])
	for _, v := range variants[1:] {
		assert.Equal(t, want, NormalizeURL(v), "variant %q", v)
	}
}
