package services

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"convcore/internal/logger"
)

// Glamour style names accepted by MarkdownService.
const (
	StyleAuto  = "auto"
	StyleDark  = "dark"
	StyleLight = "light"
	StyleNoTTY = "notty"
	StyleASCII = "ascii"
)

const defaultWordWrap = 80

// MarkdownService renders assistant replies for the terminal chat client using Glamour.
type MarkdownService struct {
	initialized bool
	style       string
	wordWrap    int
	renderer    *glamour.TermRenderer
}

// NewMarkdownService creates a renderer service. An empty style is detected
// from the terminal; a non-positive wordWrap uses 80 columns.
func NewMarkdownService(style string, wordWrap int) *MarkdownService {
	if wordWrap <= 0 {
		wordWrap = defaultWordWrap
	}
	return &MarkdownService{style: style, wordWrap: wordWrap}
}

// Name returns the service name "markdown" for registration.
func (m *MarkdownService) Name() string {
	return "markdown"
}

// Initialize builds the renderer for the configured or detected style.
func (m *MarkdownService) Initialize() error {
	style := m.style
	if style == "" || style == StyleAuto {
		style = DetectMarkdownStyle(lipgloss.ColorProfile(), termenv.HasDarkBackground())
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(m.wordWrap),
	)
	if err != nil {
		return fmt.Errorf("failed to create markdown renderer: %w", err)
	}

	m.style = style
	m.renderer = renderer
	m.initialized = true

	logger.Debug("MarkdownService initialized", "style", style, "wrap", m.wordWrap)
	return nil
}

// Style returns the resolved Glamour style.
func (m *MarkdownService) Style() string {
	return m.style
}

// Render renders markdown content to terminal output. Blank input renders to "".
func (m *MarkdownService) Render(markdown string) (string, error) {
	if !m.initialized {
		return "", fmt.Errorf("markdown service not initialized")
	}
	if strings.TrimSpace(markdown) == "" {
		return "", nil
	}

	rendered, err := m.renderer.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return rendered, nil
}

// DetectMarkdownStyle maps a terminal color profile and background to a Glamour style.
func DetectMarkdownStyle(profile termenv.Profile, darkBackground bool) string {
	switch {
	case profile == termenv.Ascii:
		return StyleNoTTY
	case darkBackground:
		return StyleDark
	default:
		return StyleLight
	}
}
