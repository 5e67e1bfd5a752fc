package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPrompt(t *testing.T) {
	tests := []struct {
		name    string
		mention string
		body    string
		want    string
		wantOK  bool
	}{
		{name: "leading mention", mention: "@dexter", body: "@dexter fix the build", want: "fix the build", wantOK: true},
		{name: "mixed case", mention: "@dexter", body: "@DeXtEr fix it", want: "fix it", wantOK: true},
		{name: "mid sentence", mention: "@dexter", body: "hey @dexter please fix it", want: "hey please fix it", wantOK: true},
		{name: "multibyte prefix", mention: "@dexter", body: "İİ please @dexter fix it", want: "İİ please fix it", wantOK: true},
		{name: "long multibyte prefix", mention: "@dexter", body: strings.Repeat("İ", 40) + " @dexter go", want: strings.Repeat("İ", 40) + " go", wantOK: true},
		{name: "metacharacters are literal", mention: "@dexter.", body: "@dexterX fix", wantOK: false},
		{name: "mention only", mention: "@dexter", body: "  @dexter  ", wantOK: false},
		{name: "no mention", mention: "@dexter", body: "fix it please", wantOK: false},
		{name: "empty mention", mention: "", body: "fix it", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractPrompt(tt.body, tt.mention)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
