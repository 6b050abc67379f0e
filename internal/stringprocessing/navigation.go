// Package stringprocessing provides the text stages of the conversation pipeline:
// navigation command extraction from model output and input normalization.
package stringprocessing

import (
	"regexp"
	"strings"

	"convcore/pkg/convtypes"
)

// navigationPattern matches one bracketed command of the form
//
//	[NavigateTo:<target>&<key>=<value>&<key>=<value>...]
//
// Nested or unbalanced brackets never match, so malformed commands stay in the text.
var navigationPattern = regexp.MustCompile(`\[NavigateTo:([^\[\]]*)\]`)

// ExtractNavigationCommands scans text left to right for navigation commands.
// It returns the text with every well-formed command removed and the commands in
// order of appearance. Removal is literal: surrounding whitespace is kept as-is.
// Commands with an empty target are left in the text and produce nothing.
func ExtractNavigationCommands(text string) (string, []convtypes.NavigationCommand) {
	matches := navigationPattern.FindAllStringSubmatchIndex(text, -1)
	commands := make([]convtypes.NavigationCommand, 0, len(matches))
	if len(matches) == 0 {
		return text, commands
	}

	var cleaned strings.Builder
	cleaned.Grow(len(text))
	last := 0

	for _, m := range matches {
		body := text[m[2]:m[3]]
		command, ok := parseNavigationBody(body)
		if !ok {
			continue
		}
		cleaned.WriteString(text[last:m[0]])
		last = m[1]
		commands = append(commands, command)
	}
	cleaned.WriteString(text[last:])

	return cleaned.String(), commands
}

// parseNavigationBody splits "<target>&k=v&k=v" into a command.
func parseNavigationBody(body string) (convtypes.NavigationCommand, bool) {
	parts := strings.Split(body, "&")
	target := strings.TrimSpace(parts[0])
	if target == "" {
		return convtypes.NavigationCommand{}, false
	}

	params := make(map[string]string, len(parts)-1)
	for _, pair := range parts[1:] {
		key, value, _ := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		params[key] = value
	}

	return convtypes.NavigationCommand{
		Type:       convtypes.CommandTypeNavigate,
		Target:     target,
		Parameters: params,
		Timing:     convtypes.TimingImmediate,
	}, true
}
