package prompter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestPromptString(t *testing.T) {
	p, out := newTestPrompter("  austin \n")

	got, err := p.PromptString("City: ")
	require.NoError(t, err)
	assert.Equal(t, "austin", got)
	assert.Equal(t, "City: ", out.String())
}

func TestPromptSecretFromPipe(t *testing.T) {
	p, _ := newTestPrompter("tok-123")

	got, err := p.PromptSecret("Token: ")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", got)
}

func TestPromptConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		got, err := p.PromptConfirm("Reset?")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestPromptSequentialReads(t *testing.T) {
	p, _ := newTestPrompter("first\nsecond\n")

	a, err := p.PromptString("a: ")
	require.NoError(t, err)
	b, err := p.PromptString("b: ")
	require.NoError(t, err)

	assert.Equal(t, "first", a)
	assert.Equal(t, "second", b)
}

func TestPromptEmptyInput(t *testing.T) {
	p, _ := newTestPrompter("")

	_, err := p.PromptString("x: ")
	assert.Error(t, err)
}
