package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"

	"convcore/internal/logger"
	"convcore/internal/transport"
	"convcore/pkg/convtypes"
)

// Renderer turns assistant markdown into terminal output.
type Renderer interface {
	Render(markdown string) (string, error)
}

// ChatOptions configures a Chat.
type ChatOptions struct {
	SessionID string
	Mode      convtypes.InputMode
	Renderer  Renderer // Nil prints replies as plain text
	Out       io.Writer
}

var (
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Chat is the interactive client. Every line that is not a slash command is
// sent through the manager's active transport.
type Chat struct {
	manager *transport.Manager
	opts    ChatOptions
}

// NewChat creates a chat client. Mode defaults to text.
func NewChat(manager *transport.Manager, opts ChatOptions) *Chat {
	if opts.Mode == "" {
		opts.Mode = convtypes.ModeText
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Chat{manager: manager, opts: opts}
}

// Mode returns the mode attached to outgoing messages.
func (c *Chat) Mode() convtypes.InputMode {
	return c.opts.Mode
}

// Run reads lines until EOF, /exit or ctx cancellation.
func (c *Chat) Run(ctx context.Context, rl *readline.Instance) error {
	c.printf("%s\n", hintStyle.Render("Type /help for commands, /exit to quit."))
	for {
		rl.SetPrompt(fmt.Sprintf("%s> ", c.opts.Mode))
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := c.ProcessLine(ctx, line)
		if err != nil {
			c.printf("%s\n", errorStyle.Render("Error: "+err.Error()))
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

// ProcessLine handles one input line and reports whether the chat should end.
func (c *Chat) ProcessLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if strings.HasPrefix(line, "/") {
		return c.runCommand(line)
	}

	resp, err := c.manager.SendMessage(ctx, convtypes.ConversationInput{
		Content:   line,
		Mode:      c.opts.Mode,
		SessionID: c.opts.SessionID,
	})
	if err != nil {
		return false, err
	}
	c.printResponse(resp)
	return false, nil
}

func (c *Chat) runCommand(line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		c.printf("%s\n", hintStyle.Render(strings.Join([]string{
			"/mode <text|voice|hybrid>  change the input mode",
			"/status                    show the active transport",
			"/exit                      quit",
		}, "\n")))
		return false, nil
	case "/mode":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /mode <text|voice|hybrid>")
		}
		mode := convtypes.InputMode(fields[1])
		if !mode.IsValid() {
			return false, fmt.Errorf("unsupported mode %q", fields[1])
		}
		c.opts.Mode = mode
		logger.SessionOperation(c.opts.SessionID, "chat_mode", "mode", mode)
		c.printf("%s\n", hintStyle.Render("mode set to "+string(mode)))
		return false, nil
	case "/status":
		state, ok := c.manager.GetConnectionState()
		if !ok {
			return false, transport.ErrNoActiveTransport
		}
		status := fmt.Sprintf("transport %s, connected %t", state.Transport, state.Connected)
		if state.Latency != nil {
			status += fmt.Sprintf(", latency %dms (%s)", *state.Latency, state.Quality)
		}
		c.printf("%s\n", hintStyle.Render(status))
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func (c *Chat) printResponse(resp *convtypes.ConversationResponse) {
	content := resp.Message.Content
	if c.opts.Renderer != nil {
		rendered, err := c.opts.Renderer.Render(content)
		if err != nil {
			logger.Debug("Falling back to plain reply", "error", err)
		} else {
			content = strings.TrimRight(rendered, "\n")
		}
	}
	c.printf("%s\n", content)

	if resp.Error != nil {
		c.printf("%s\n", errorStyle.Render(fmt.Sprintf("[%s] %s", resp.Error.Code, resp.Error.Message)))
	}
	for _, cmd := range resp.NavigationCommands {
		c.printf("%s\n", commandStyle.Render("→ "+describeCommand(cmd)))
	}
	if len(resp.Suggestions) > 0 {
		c.printf("%s\n", hintStyle.Render("Try: "+strings.Join(resp.Suggestions, " · ")))
	}
}

func (c *Chat) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.opts.Out, format, args...)
}

// describeCommand formats a navigation command as "navigate target key=value ...".
func describeCommand(cmd convtypes.NavigationCommand) string {
	parts := []string{cmd.Type, cmd.Target}
	keys := make([]string, 0, len(cmd.Parameters))
	for key := range cmd.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, key+"="+cmd.Parameters[key])
	}
	return strings.Join(parts, " ")
}
