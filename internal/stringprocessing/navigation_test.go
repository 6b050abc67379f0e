package stringprocessing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convcore/pkg/convtypes"
)

func TestExtractNavigationCommands_TwoCommandsInOrder(t *testing.T) {
	text := "See [NavigateTo:project1&section=overview] and [NavigateTo:project2&section=details]."

	cleaned, commands := ExtractNavigationCommands(text)

	assert.Equal(t, "See  and .", cleaned)
	require.Len(t, commands, 2)

	assert.Equal(t, convtypes.NavigationCommand{
		Type:       "navigate",
		Target:     "project1",
		Parameters: map[string]string{"section": "overview"},
		Timing:     "immediate",
	}, commands[0])
	assert.Equal(t, convtypes.NavigationCommand{
		Type:       "navigate",
		Target:     "project2",
		Parameters: map[string]string{"section": "details"},
		Timing:     "immediate",
	}, commands[1])
}

func TestExtractNavigationCommands(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		expectedText    string
		expectedTargets []string
		expectedParams  []map[string]string
	}{
		{
			name:            "no commands",
			input:           "Hello there, nice to meet you.",
			expectedText:    "Hello there, nice to meet you.",
			expectedTargets: []string{},
		},
		{
			name:            "empty input",
			input:           "",
			expectedText:    "",
			expectedTargets: []string{},
		},
		{
			name:            "target without parameters",
			input:           "Opening it now [NavigateTo:contact]",
			expectedText:    "Opening it now ",
			expectedTargets: []string{"contact"},
			expectedParams:  []map[string]string{{}},
		},
		{
			name:            "multiple parameters",
			input:           "[NavigateTo:projects&filter=go&sort=recent&page=2]Here you go.",
			expectedText:    "Here you go.",
			expectedTargets: []string{"projects"},
			expectedParams:  []map[string]string{{"filter": "go", "sort": "recent", "page": "2"}},
		},
		{
			name:            "double spaces are preserved",
			input:           "Look at  [NavigateTo:about]  this.",
			expectedText:    "Look at    this.",
			expectedTargets: []string{"about"},
			expectedParams:  []map[string]string{{}},
		},
		{
			name:            "missing target is left untouched",
			input:           "Broken [NavigateTo:&section=x] command",
			expectedText:    "Broken [NavigateTo:&section=x] command",
			expectedTargets: []string{},
		},
		{
			name:            "unclosed bracket is left untouched",
			input:           "Broken [NavigateTo:project1&section=x command",
			expectedText:    "Broken [NavigateTo:project1&section=x command",
			expectedTargets: []string{},
		},
		{
			name:            "nested bracket is left untouched",
			input:           "Odd [NavigateTo:[project1] text",
			expectedText:    "Odd [NavigateTo:[project1] text",
			expectedTargets: []string{},
		},
		{
			name:            "malformed command next to a valid one",
			input:           "[NavigateTo:] then [NavigateTo:blog&post=intro]",
			expectedText:    "[NavigateTo:] then ",
			expectedTargets: []string{"blog"},
			expectedParams:  []map[string]string{{"post": "intro"}},
		},
		{
			name:            "value keeps equals signs and is not unescaped",
			input:           "[NavigateTo:search&q=a=b%20c]",
			expectedText:    "",
			expectedTargets: []string{"search"},
			expectedParams:  []map[string]string{{"q": "a=b%20c"}},
		},
		{
			name:            "pair without value and empty key",
			input:           "[NavigateTo:gallery&fullscreen&=ignored]",
			expectedText:    "",
			expectedTargets: []string{"gallery"},
			expectedParams:  []map[string]string{{"fullscreen": ""}},
		},
		{
			name:            "other bracket syntax is not a command",
			input:           "Use [link](https://example.com) and [Navigate:home]",
			expectedText:    "Use [link](https://example.com) and [Navigate:home]",
			expectedTargets: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, commands := ExtractNavigationCommands(tt.input)

			assert.Equal(t, tt.expectedText, cleaned)
			require.NotNil(t, commands)
			require.Len(t, commands, len(tt.expectedTargets))
			for i, cmd := range commands {
				assert.Equal(t, tt.expectedTargets[i], cmd.Target)
				assert.Equal(t, tt.expectedParams[i], cmd.Parameters)
				assert.Equal(t, convtypes.CommandTypeNavigate, cmd.Type)
				assert.Equal(t, convtypes.TimingImmediate, cmd.Timing)
			}
		})
	}
}

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		mode     convtypes.InputMode
		expected string
	}{
		{name: "text is trimmed", content: "  Hello  ", mode: convtypes.ModeText, expected: "Hello"},
		{name: "text keeps layout", content: "line one\r\n\r\n  line two", mode: convtypes.ModeText, expected: "line one\n\n  line two"},
		{name: "voice collapses whitespace", content: " show me   your\nprojects ", mode: convtypes.ModeVoice, expected: "show me your projects"},
		{name: "hybrid collapses whitespace", content: "a\t\tb", mode: convtypes.ModeHybrid, expected: "a b"},
		{name: "empty stays empty", content: "", mode: convtypes.ModeVoice, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeInput(tt.content, tt.mode))
		})
	}
}
