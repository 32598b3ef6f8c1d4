package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// errExit ends the read loop
var errExit = errors.New("exit")

// replCommand is one shell command. The table of commands drives dispatch,
// help output and tab completion.
type replCommand struct {
	names   []string
	args    string
	summary string
	// minArgs counts the command word itself
	minArgs int
	// subcommands are offered for completion only
	subcommands []string
	run         func(ctx context.Context, parts []string) error
}

func (c replCommand) usage() string {
	return strings.TrimSpace("usage: " + c.names[0] + " " + c.args)
}

// REPL is the interactive shell on top of a connected Client
type REPL struct {
	client   *Client
	logger   *Logger
	out      io.Writer
	rl       *readline.Instance
	commands []replCommand
	byName   map[string]replCommand

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewREPL creates a shell for client
func NewREPL(client *Client, logger *Logger) *REPL {
	r := &REPL{
		client:   client,
		logger:   logger,
		out:      os.Stdout,
		stopChan: make(chan struct{}),
	}
	r.commands = r.commandTable()
	r.byName = make(map[string]replCommand)
	for _, cmd := range r.commands {
		for _, name := range cmd.names {
			r.byName[name] = cmd
		}
	}
	return r
}

func (r *REPL) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) println(args ...interface{}) {
	_, _ = fmt.Fprintln(r.out, args...)
}

func (r *REPL) commandTable() []replCommand {
	joined := func(parts []string) string { return strings.Join(parts[2:], " ") }

	return []replCommand{
		{names: []string{"help", "?"}, summary: "Show this help message", minArgs: 1,
			run: func(context.Context, []string) error { return r.showHelp() }},
		{names: []string{"list"}, args: "tools", summary: "List the server's tools", minArgs: 2, subcommands: []string{"tools"},
			run: func(_ context.Context, parts []string) error { return r.handleList(parts[1]) }},
		{names: []string{"describe"}, args: "tool <name>", summary: "Show a tool's description and input schema", minArgs: 3,
			run: func(_ context.Context, parts []string) error { return r.handleDescribe(parts[1], joined(parts)) }},
		{names: []string{"call"}, args: "<tool-name> [json-args]", summary: "Call a tool with JSON arguments", minArgs: 2,
			run: func(ctx context.Context, parts []string) error { return r.handleCallTool(ctx, parts[1], joined(parts)) }},
		{names: []string{"rpc"}, args: "<method> [json-params]", summary: "Send a raw JSON-RPC request", minArgs: 2,
			run: func(ctx context.Context, parts []string) error { return r.handleRPC(ctx, parts[1], joined(parts)) }},
		{names: []string{"ping"}, summary: "Check that the server responds", minArgs: 1,
			run: func(ctx context.Context, _ []string) error { return r.handlePing(ctx) }},
		{names: []string{"status"}, summary: "Show session state and server details", minArgs: 1,
			run: func(context.Context, []string) error { return r.showStatus() }},
		{names: []string{"compliance"}, summary: "Check capabilities and tool schemas", minArgs: 1,
			run: func(context.Context, []string) error { return r.showCompliance() }},
		{names: []string{"reconnect"}, summary: "Tear down the session and connect again", minArgs: 1,
			run: func(ctx context.Context, _ []string) error { return r.handleReconnect(ctx) }},
		{names: []string{"auth"}, args: "[status|claims|login]", summary: "Show OAuth state, decode token claims or re-authorize", minArgs: 1,
			subcommands: []string{"status", "claims", "login"},
			run: func(ctx context.Context, parts []string) error {
				if len(parts) < 2 {
					return r.handleAuth(ctx, "status")
				}
				return r.handleAuth(ctx, parts[1])
			}},
		{names: []string{"logout"}, summary: "Forget stored credentials for this server", minArgs: 1,
			run: func(ctx context.Context, _ []string) error { return r.handleLogout(ctx) }},
		{names: []string{"notifications"}, args: "<on|off>", summary: "Show or hide notifications", minArgs: 2,
			subcommands: []string{"on", "off"},
			run: func(_ context.Context, parts []string) error { return r.handleNotifications(parts[1]) }},
		{names: []string{"exit", "quit"}, summary: "Leave the shell", minArgs: 1,
			run: func(context.Context, []string) error { return errExit }},
	}
}

// Run reads commands until exit, EOF or ctx is done
func (r *REPL) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "MCP> ",
		HistoryFile:         filepath.Join(os.TempDir(), ".mcp_probe_history"),
		AutoComplete:        r.completer(),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: dropCtrlZ,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl
	r.out = rl.Stdout()

	r.client.startListening(ctx)
	r.wg.Add(1)
	go r.watchNotifications(ctx)
	defer r.stop()

	r.logger.Info("MCP REPL started. Type 'help' for available commands. Use TAB for completion.")
	r.println()

	for ctx.Err() == nil {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			r.logger.Info("Goodbye!")
			return nil
		case err != nil:
			return fmt.Errorf("readline error: %w", err)
		}

		err = r.executeCommand(ctx, line)
		if errors.Is(err, errExit) {
			r.logger.Info("Goodbye!")
			return nil
		}
		if err != nil {
			r.logger.Error("Error: %v", err)
		}
		r.println()
	}

	r.logger.Info("REPL shutting down...")
	return nil
}

// executeCommand runs one input line
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(parts[0])
	cmd, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", name)
	}
	if len(parts) < cmd.minArgs {
		return errors.New(cmd.usage())
	}
	return cmd.run(ctx, parts)
}

func (r *REPL) stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

// watchNotifications handles server notifications while the prompt is open
func (r *REPL) watchNotifications(ctx context.Context) {
	defer r.wg.Done()

	for {
		var notification *Envelope
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case notification = <-r.client.notificationChan:
		}

		// clear the prompt line before printing
		_, _ = r.rl.Stdout().Write([]byte("\r\033[K"))
		if err := r.client.handleNotification(ctx, notification); err != nil {
			r.logger.Error("Failed to handle notification: %v", err)
		}
		if notification.Method == notificationToolsListChanged {
			r.rl.Config.AutoComplete = r.completer()
		}
		r.rl.Refresh()
	}
}

func dropCtrlZ(r rune) (rune, bool) {
	return r, r != readline.CharCtrlZ
}

// completer offers command words, their fixed subcommands and tool names
func (r *REPL) completer() *readline.PrefixCompleter {
	var toolItems []readline.PrefixCompleterInterface
	if r.client.ServerSupportsTools() {
		for _, tool := range r.client.Tools() {
			toolItems = append(toolItems, readline.PcItem(tool.Name))
		}
	}

	var items []readline.PrefixCompleterInterface
	for _, cmd := range r.commands {
		var children []readline.PrefixCompleterInterface
		switch cmd.names[0] {
		case "call":
			children = toolItems
		case "describe":
			children = []readline.PrefixCompleterInterface{readline.PcItem("tool", toolItems...)}
		default:
			for _, sub := range cmd.subcommands {
				children = append(children, readline.PcItem(sub))
			}
		}
		for _, name := range cmd.names {
			items = append(items, readline.PcItem(name, children...))
		}
	}
	return readline.NewPrefixCompleter(items...)
}

func (r *REPL) showHelp() error {
	r.println("Available commands:")
	for _, cmd := range r.commands {
		synopsis := strings.TrimSpace(strings.Join(cmd.names, ", ") + " " + cmd.args)
		r.printf("  %-30s - %s\n", synopsis, cmd.summary)
	}
	r.println()
	r.println("Keyboard shortcuts:")
	r.println("  TAB      complete commands, tool names and arguments")
	r.println("  Up/Down  walk the command history")
	r.println("  Ctrl+R   search the command history")
	r.println("  Ctrl+C   discard the current line")
	r.println("  Ctrl+D   leave the shell")
	r.println()
	r.println("Examples:")
	r.println(`  call echo {"message": "hello"}`)
	r.println(`  rpc tools/list {"cursor": "abc"}`)
	return nil
}

func (r *REPL) handleList(target string) error {
	if t := strings.ToLower(target); t != "tools" && t != "tool" {
		return fmt.Errorf("unknown list target: %s. Use 'tools'", target)
	}
	if !r.client.ServerSupportsTools() {
		r.println("Server does not support tools capability.")
		return nil
	}

	tools := r.client.Tools()
	if len(tools) == 0 {
		r.println("No tools available.")
		return nil
	}
	r.printf("Available tools (%d):\n", len(tools))
	for i, tool := range tools {
		r.printf("  %d. %-30s - %s\n", i+1, tool.Name, tool.Description)
	}
	return nil
}

func (r *REPL) handleDescribe(target, name string) error {
	if strings.ToLower(target) != "tool" {
		return fmt.Errorf("unknown describe target: %s. Use 'tool'", target)
	}
	if !r.client.ServerSupportsTools() {
		return errors.New("server does not support tools capability")
	}

	tool, ok := r.client.FindTool(name)
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	r.printf("Tool: %s\n", tool.Name)
	r.printf("Description: %s\n", tool.Description)
	r.println("Input Schema:")
	r.println(PrettyJSON(tool.InputSchema))
	return nil
}

// handleNotifications toggles verbose logging, which is where notification
// payloads are printed
func (r *REPL) handleNotifications(setting string) error {
	var on bool
	switch strings.ToLower(setting) {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}

	r.logger.SetVerbose(on)
	if on {
		r.println("Notifications enabled")
	} else {
		r.println("Notifications disabled")
	}
	return nil
}
