package main

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"convcore/internal/logger"
	"convcore/internal/services"
	"convcore/internal/shell"
	"convcore/internal/transport"
	"convcore/pkg/convtypes"
)

func runChat(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	modeName, _ := flags.GetString("mode")
	remote, _ := flags.GetString("remote")
	transportName, _ := flags.GetString("transport")
	style, _ := flags.GetString("style")

	mode := convtypes.InputMode(modeName)
	if !mode.IsValid() {
		return fmt.Errorf("unsupported mode %q", modeName)
	}

	manager := transport.NewManager()
	defer func() {
		if err := manager.DisconnectAll(); err != nil {
			logger.Warn("Failed to disconnect transports", "error", err)
		}
	}()

	var (
		processor transport.Processor
		rt        *shell.Runtime
	)
	if remote == "" {
		var err error
		rt, err = shell.InitializeServices(cfg, shell.InitOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()
		processor = rt.Conversation
	} else {
		processor = transport.NewRemoteProcessor(remote, nil)
	}

	active, err := newChatTransport(remote, transportName, processor)
	if err != nil {
		return err
	}
	if rt != nil {
		rt.Metrics.WatchTransport(active)
	}
	manager.RegisterTransport(active)
	if err := manager.SetActiveTransport(cmd.Context(), active.Name()); err != nil {
		return err
	}

	markdown := services.NewMarkdownService(style, 0)
	if err := markdown.Initialize(); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", mode),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer func() { _ = rl.Close() }()

	sessionID := newSessionID(cmd)
	logger.Info("Chat started", "session", sessionID, "transport", active.Name(), "mode", mode)

	chat := shell.NewChat(manager, shell.ChatOptions{
		SessionID: sessionID,
		Mode:      mode,
		Renderer:  markdown,
		Out:       rl.Stdout(),
	})
	return chat.Run(cmd.Context(), rl)
}

// newChatTransport picks the transport for the chat client. Local chats always
// use the in-process request/response transport.
func newChatTransport(remote, name string, processor transport.Processor) (transport.Transport, error) {
	if remote == "" {
		return transport.NewHTTPTransport(processor), nil
	}
	switch name {
	case transport.HTTPTransportName:
		return transport.NewHTTPTransport(processor), nil
	case transport.WebSocketTransportName:
		return transport.NewWebSocketTransport(websocketURL(remote), nil), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", name)
	}
}

// websocketURL turns a server base URL into its conversation socket URL.
func websocketURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + transport.WebSocketPath
}
