package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLooksLikeCommand(t *testing.T) {
	cases := []struct {
		cmd  string
		want bool
	}{
		{"bun install zod", true},
		{"bun run build", true},
		{"./scripts/setup.sh --force", true},
		{"npx shadcn@latest add button", true},
		{"", false},
		{"Sure, run this:", false},
		{"First install the dependencies. Then run the dev server", false},
		{"bun install zod.", false},
		{"bun install\nbun run dev", false},
		{"# a comment", false},
		{"(cd src && bun run dev)", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, looksLikeCommand(tc.cmd), "%q", tc.cmd)
	}
}

func TestValidateAndClean(t *testing.T) {
	in := []string{
		"- bun install zod",
		"* npm install react",
		"`bun run build`",
		"bun install zod",
		"Now start the dev server.",
		"   ",
	}
	got := validateAndClean(in)
	assert.Equal(t, []string{
		"bun install zod",
		"bun install react",
		"bun run build",
	}, got)
}

func TestValidateAndCleanIdempotent(t *testing.T) {
	in := []string{"- npm install react", "`bun run build`", "bun test"}
	once := validateAndClean(in)
	twice := validateAndClean(once)
	assert.Equal(t, once, twice)
}
