package auth

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	cases := []struct {
		name  string
		value string
		set   bool
		want  []string
	}{
		{
			name: "unset falls back to defaults",
			set:  false,
			want: defaults,
		},
		{
			name:  "single origin",
			value: "https://app.example.com",
			set:   true,
			want:  []string{"https://app.example.com"},
		},
		{
			name:  "comma separated list",
			value: "http://localhost:3000,https://example.com",
			set:   true,
			want:  []string{"http://localhost:3000", "https://example.com"},
		},
		{
			name:  "spaces around entries are trimmed",
			value: " http://localhost:3000 , https://example.com ",
			set:   true,
			want:  []string{"http://localhost:3000", "https://example.com"},
		},
		{
			name:  "empty entries are dropped",
			value: "http://localhost:3000,,https://example.com,",
			set:   true,
			want:  []string{"http://localhost:3000", "https://example.com"},
		},
		{
			name:  "only separators falls back to defaults",
			value: ", ,",
			set:   true,
			want:  defaults,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			const key = "TEST_ALLOWED_ORIGINS"
			_ = os.Unsetenv(key)
			if tc.set {
				_ = os.Setenv(key, tc.value)
				defer func() { _ = os.Unsetenv(key) }()
			}

			assert.Equal(t, tc.want, GetAllowedOriginsFromEnv(key, defaults))
		})
	}
}
