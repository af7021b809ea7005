package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/bridge"
)

// newConsoleCmd creates `wabridge console`, an interactive shell over the
// bridge operations.
func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive shell over the session",
		Long: `Start the session and open an interactive shell. Type "help" for
the list of commands. Logs go to stderr.

Examples:
  wabridge console
  wabridge console -c ./wabridge.yaml`,
		RunE: runConsole,
	}
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.showChallenges(ctx, os.Stdout)
	if err := rt.session.Initialize(ctx); err != nil {
		logger.Warn("session started with warnings", "error", err)
	}
	defer func() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelClose()
		_ = rt.session.Close(closeCtx)
	}()

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".wabridge_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "wabridge> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting console: %w", err)
	}
	defer rl.Close()

	sh := &shell{svc: rt.service, out: rl.Stdout()}
	fmt.Fprintln(sh.out, `Type "help" for commands, "exit" to quit.`)
	for {
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
		if !sh.exec(ctx, line) {
			return nil
		}
	}
}

// shell dispatches console lines to the service.
type shell struct {
	svc *bridge.Service
	out io.Writer
}

const consoleHelp = `Commands:
  status                         session status
  qr                             print the pending QR code
  contacts [limit]               list contacts
  find <name>                    find a contact by name
  messages <who> [limit]         recent messages of a conversation
  more <who> [count]             load older history
  recent [limit]                 most recently active conversations
  search <query>                 search cached messages
  send <who> <text>              send text to a phone, id or contact name
  typing <who> <state>           typing, recording or paused
  reconnect                      restart the session keeping auth
  reset                          log out and pair again
  exit                           quit`

// exec runs one line. It returns false when the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var (
		res any
		err error
	)
	switch cmd {
	case "exit", "quit":
		return false
	case "help", "?":
		fmt.Fprintln(sh.out, consoleHelp)
		return true
	case "status":
		res = sh.svc.Status()
	case "qr":
		var img bridge.QRImage
		img, err = sh.svc.QRImage()
		if err == nil {
			fmt.Fprintln(sh.out, img.Code)
			return true
		}
	case "contacts":
		res = sh.svc.ListContacts(ctx, intArg(args, 0))
	case "find":
		res, err = sh.svc.FindContact(ctx, strings.Join(args, " "))
	case "messages":
		if len(args) == 0 {
			err = errors.New("usage: messages <who> [limit]")
			break
		}
		res, err = sh.svc.GetMessages(ctx, args[0], intArg(args, 1))
	case "more":
		if len(args) == 0 {
			err = errors.New("usage: more <who> [count]")
			break
		}
		res, err = sh.svc.FetchMoreMessages(ctx, args[0], intArg(args, 1))
	case "recent":
		res = sh.svc.GetRecentMessages(intArg(args, 0))
	case "search":
		res, err = sh.svc.SearchMessages(ctx, strings.Join(args, " "), "", 0)
	case "send":
		if len(args) < 2 {
			err = errors.New("usage: send <who> <text>")
			break
		}
		res, err = sh.send(ctx, args[0], strings.Join(args[1:], " "))
	case "typing":
		if len(args) < 2 {
			err = errors.New("usage: typing <who> <typing|recording|paused>")
			break
		}
		if err = sh.svc.SetTypingState(ctx, args[0], args[1]); err == nil {
			res = map[string]bool{"ok": true}
		}
	case "reconnect":
		err = sh.svc.Reconnect(ctx)
		res = sh.svc.Status()
	case "reset", "reset-auth":
		err = sh.svc.ResetAuth(ctx)
		res = sh.svc.Status()
	default:
		err = fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}

	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
		return true
	}
	sh.print(res)
	return true
}

// send picks SendMessage for phones and ids and SendToContact for names.
func (sh *shell) send(ctx context.Context, who, text string) (bridge.SendResult, error) {
	res, err := sh.svc.SendMessage(ctx, who, text)
	if errors.Is(err, bridge.ErrInvalidArgument) && !strings.Contains(who, "@") {
		return sh.svc.SendToContact(ctx, who, text)
	}
	return res, err
}

func (sh *shell) print(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(sh.out, string(data))
}

func intArg(args []string, i int) int {
	if i >= len(args) {
		return 0
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0
	}
	return n
}
