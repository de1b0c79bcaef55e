package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mash-protocol/mash-tls/pkg/cipher"
	"github.com/mash-protocol/mash-tls/pkg/config"
	"github.com/mash-protocol/mash-tls/pkg/engine/gotls"
	"github.com/mash-protocol/mash-tls/pkg/log"
	"github.com/mash-protocol/mash-tls/pkg/transport"
)

// Env is an opened session together with the loggers it writes to.
type Env struct {
	Session *transport.Session
	Logger  *slog.Logger
	Config  *config.File

	closers []func() error
}

// EnvOptions controls how Open builds the logging stack.
type EnvOptions struct {
	// Stderr receives operational logs and, with Trace, protocol events.
	Stderr io.Writer

	// Trace echoes protocol events to Stderr in the configured log format.
	Trace bool
}

// Open builds the logger stack, the gotls engine and a configured session.
func Open(f *config.File, opts EnvOptions) (*Env, error) {
	logger, err := NewLogger(f, opts.Stderr)
	if err != nil {
		return nil, err
	}
	env := &Env{Logger: logger, Config: f}

	var sinks []log.Logger
	fileLog, err := f.ProtocolLogger()
	if err != nil {
		return nil, fmt.Errorf("open protocol log: %w", err)
	}
	if fileLog != nil {
		sinks = append(sinks, fileLog)
		env.closers = append(env.closers, func() error {
			if n := fileLog.Dropped(); n > 0 {
				logger.Warn("protocol log incomplete", "file", f.Log.ProtocolFile, "dropped", n)
			}
			return fileLog.Close()
		})
	}
	if opts.Trace {
		sinks = append(sinks, env.traceSink(opts.Stderr))
	}
	plog := log.Combine(sinks...)

	engOpts, err := f.EngineOptions(logger)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	cfg, err := f.TransportConfig(logger, plog)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	s, err := transport.New(gotls.New(engOpts), cfg)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	env.Session = s
	if err := f.Apply(s); err != nil {
		_ = env.Close()
		return nil, fmt.Errorf("configure session: %w", err)
	}
	return env, nil
}

// Close releases the session and then the protocol log sinks.
func (e *Env) Close() error {
	var errs []error
	if e.Session != nil {
		errs = append(errs, e.Session.Close())
	}
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewLogger builds the operational slog logger for the configured level
// and format.
func NewLogger(f *config.File, w io.Writer) (*slog.Logger, error) {
	lvl, err := f.SlogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if f.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// traceSink echoes protocol events to w: zap JSON entries when the log
// format is json, slog text records otherwise.
func (e *Env) traceSink(w io.Writer) log.Logger {
	if e.Config.Log.Format == "json" {
		zl := newZapLogger(w)
		e.closers = append(e.closers, func() error {
			_ = zl.Sync()
			return nil
		})
		return log.NewZapAdapter(zl)
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return log.NewSlogAdapter(slog.New(h).With("logger", "protocol"))
}

func newZapLogger(w io.Writer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core).Named("protocol")
}

// Exchanger sends one message and returns the peer's reply.
type Exchanger interface {
	Exchange(msg []byte) ([]byte, error)
}

// lineExchanger writes a newline-terminated message and reads back the
// same number of bytes from an echoing peer.
type lineExchanger struct {
	s *transport.Session
}

func (x lineExchanger) Exchange(msg []byte) ([]byte, error) {
	out := append(append([]byte(nil), msg...), '\n')
	if _, err := x.s.Write(out); err != nil {
		return nil, err
	}
	reply := make([]byte, len(out))
	if _, err := io.ReadFull(x.s, reply); err != nil {
		return nil, err
	}
	return reply[:len(reply)-1], nil
}

// frameExchanger exchanges length-prefixed frames.
type frameExchanger struct {
	f transport.FrameReadWriter
}

func (x frameExchanger) Exchange(msg []byte) ([]byte, error) {
	if err := x.f.WriteFrame(msg); err != nil {
		return nil, err
	}
	return x.f.ReadFrame()
}

// NewExchanger returns a line or frame exchanger for s.
func NewExchanger(s *transport.Session, framed bool) Exchanger {
	if framed {
		return frameExchanger{f: transport.NewSessionFramer(s, transport.DefaultMaxMessageSize)}
	}
	return lineExchanger{s: s}
}

// ConnectOptions configures RunConnect.
type ConnectOptions struct {
	Framed bool

	// WaitShutdown waits for the server's close-notify before returning.
	WaitShutdown bool
}

// RunConnect connects the env's session to its endpoint, sends every
// line of in and prints each reply to out.
func RunConnect(ctx context.Context, env *Env, in io.Reader, out io.Writer, opts ConnectOptions) error {
	stop := context.AfterFunc(ctx, func() { _ = env.Session.Close() })
	defer stop()

	s := env.Session
	if err := s.Connect(env.Config.Endpoint); err != nil {
		return fmt.Errorf("connect %s: %w", env.Config.Endpoint, err)
	}
	fmt.Fprintf(out, "connected to %s using %s\n", env.Config.Endpoint, suiteName(s.CurrentCipher()))

	x := NewExchanger(s, opts.Framed)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		reply, err := x.Exchange([]byte(line))
		if err != nil {
			return fmt.Errorf("exchange: %w", err)
		}
		fmt.Fprintf(out, "< %s\n", reply)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return shutdown(s, out, opts.WaitShutdown)
}

// ServeOptions configures RunServe.
type ServeOptions struct {
	Framed bool

	// Ready, if set, receives the bound address before Accept blocks.
	Ready func(addr string)
}

// RunServe binds the env's session, accepts one client and echoes what it
// sends until the client closes.
func RunServe(ctx context.Context, env *Env, out io.Writer, opts ServeOptions) error {
	stop := context.AfterFunc(ctx, func() { _ = env.Session.Close() })
	defer stop()

	s := env.Session
	if err := s.Bind(env.Config.Endpoint); err != nil {
		return fmt.Errorf("bind %s: %w", env.Config.Endpoint, err)
	}
	addr := s.LocalAddr()
	fmt.Fprintf(out, "listening on %s\n", addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}
	if err := s.Accept(); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	fmt.Fprintf(out, "accepted client using %s\n", suiteName(s.CurrentCipher()))

	if opts.Framed {
		err := echoFrames(transport.NewSessionFramer(s, transport.DefaultMaxMessageSize))
		if err != nil {
			return err
		}
	} else if _, err := io.Copy(s, s); err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	return shutdown(s, out, true)
}

func echoFrames(f transport.FrameReadWriter) error {
	for {
		msg, err := f.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := f.WriteFrame(msg); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}

func suiteName(code uint16) string {
	return cipher.Suite(code).String()
}

func shutdown(s *transport.Session, out io.Writer, wait bool) error {
	done, err := s.Shutdown(wait)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Fprintf(out, "shutdown %s (complete=%t)\n", s.ShutdownState(), done)
	if a := s.LastAlert(); a != nil {
		fmt.Fprintf(out, "last alert %s\n", a)
	}
	return nil
}
