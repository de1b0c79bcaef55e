package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/mash-tls/pkg/transport"
)

// DefaultRecvTimeout bounds the shell's recv command.
const DefaultRecvTimeout = 2 * time.Second

// Shell is the interactive client command loop.
type Shell struct {
	s   *transport.Session
	x   Exchanger
	out io.Writer

	// pending is a read that outlived its recv timeout.
	pending    *transport.Op[int]
	pendingBuf []byte
}

// NewShell creates a shell over an established session.
func NewShell(s *transport.Session, x Exchanger, out io.Writer) *Shell {
	return &Shell{s: s, x: x, out: out}
}

// Run reads commands with readline until quit, EOF or ctx is done.
func (sh *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tls> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	sh.printHelp()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(sh.out, "Exiting...")
			return nil
		}
		if sh.Execute(ctx, line) {
			return nil
		}
	}
}

// Execute runs one command line and reports whether the shell should exit.
func (sh *Shell) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		sh.printHelp()

	case "send", "s":
		sh.cmdSend(strings.Join(args, " "))

	case "write", "w":
		sh.cmdWrite(ctx, strings.Join(args, " "))

	case "recv", "r":
		sh.cmdRecv(ctx, args)

	case "status":
		sh.cmdStatus()

	case "shutdown":
		sh.cmdShutdown(ctx, args)

	case "quit", "exit", "q":
		fmt.Fprintln(sh.out, "Exiting...")
		return true

	default:
		fmt.Fprintf(sh.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.out, `
TLS Session Commands:
  send <text>        - Send text and print the peer's echo
  write <text>       - Send text without waiting for a reply
  recv [timeout]     - Read whatever the peer sent (default 2s)
  status             - Show cipher, shutdown state and last alert
  shutdown [wait]    - Send close-notify; with wait, also await the peer's
  quit               - Exit`)
}

func (sh *Shell) cmdSend(text string) {
	if text == "" {
		fmt.Fprintln(sh.out, "Usage: send <text>")
		return
	}
	reply, err := sh.x.Exchange([]byte(text))
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "< %s\n", reply)
}

func (sh *Shell) cmdWrite(ctx context.Context, text string) {
	if text == "" {
		fmt.Fprintln(sh.out, "Usage: write <text>")
		return
	}
	op, err := sh.s.WriteAsync([]byte(text + "\n"))
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	n, err := op.Wait(ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "wrote %d bytes\n", n)
}

// cmdRecv waits for one read. On timeout the read stays pending and its
// result is reported by the next recv.
func (sh *Shell) cmdRecv(ctx context.Context, args []string) {
	timeout := DefaultRecvTimeout
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Fprintf(sh.out, "Invalid timeout: %v\n", err)
			return
		}
		timeout = d
	}

	op, buf := sh.pending, sh.pendingBuf
	if op == nil {
		buf = make([]byte, 16*1024)
		var err error
		if op, err = sh.s.ReadAsync(buf); err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
			return
		}
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := op.Wait(wctx)
	if err != nil && wctx.Err() != nil && ctx.Err() == nil {
		sh.pending, sh.pendingBuf = op, buf
		fmt.Fprintln(sh.out, "nothing received yet")
		return
	}
	sh.pending, sh.pendingBuf = nil, nil
	switch {
	case err == io.EOF:
		fmt.Fprintln(sh.out, "peer closed the connection")
	case err != nil:
		fmt.Fprintf(sh.out, "Error: %v\n", err)
	default:
		fmt.Fprintf(sh.out, "< %s\n", strings.TrimRight(string(buf[:n]), "\n"))
	}
}

func (sh *Shell) cmdStatus() {
	fmt.Fprintf(sh.out, "Session:  %s (%s)\n", sh.s.ID(), sh.s.Role())
	fmt.Fprintf(sh.out, "Cipher:   %s\n", suiteName(sh.s.CurrentCipher()))
	fmt.Fprintf(sh.out, "Shutdown: %s\n", sh.s.ShutdownState())
	if a := sh.s.LastAlert(); a != nil {
		fmt.Fprintf(sh.out, "Alert:    %s\n", a)
	}
}

func (sh *Shell) cmdShutdown(ctx context.Context, args []string) {
	wait := len(args) > 0 && strings.EqualFold(args[0], "wait")
	op, err := sh.s.BeginShutdown(wait)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	done, err := op.Wait(ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "shutdown %s (complete=%t)\n", sh.s.ShutdownState(), done)
}
