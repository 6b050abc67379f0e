package stringprocessing

import (
	"strings"

	"convcore/pkg/convtypes"
)

// NormalizeInput prepares raw input content for the pipeline.
// Line endings become "\n" for every mode. Voice and hybrid transcripts also get
// whitespace runs collapsed, since speech-to-text output carries no meaningful layout.
// Typed text keeps its internal layout and is only trimmed.
func NormalizeInput(content string, mode convtypes.InputMode) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	switch mode {
	case convtypes.ModeVoice, convtypes.ModeHybrid:
		return strings.Join(strings.Fields(content), " ")
	default:
		return strings.TrimSpace(content)
	}
}
