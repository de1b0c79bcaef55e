// Command tlsession opens TLS sessions through the transport package and
// inspects the protocol logs they write.
//
// Usage:
//
//	tlsession <command> [flags]
//
// Commands:
//
//	connect  Connect to a server and exchange lines
//	serve    Accept one client and echo what it sends
//	log      View a protocol log file
//	stats    Show statistics about a protocol log file
//
// Examples:
//
//	# Echo server on port 8443 with a PEM identity
//	tlsession serve -endpoint :8443 -cert server.pem -key server.key
//
//	# Interactive client trusting a private CA
//	tlsession connect -endpoint localhost:8443 -policy ca -ca ca.pem -interactive
//
//	# Client settings from a file, protocol log written alongside
//	tlsession connect -config client.yaml -protocol-log client.tlog < lines.txt
//
//	# Only the alerts of a log
//	tlsession log -alerts client.tlog
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mash-protocol/mash-tls/cmd/tlsession/commands"
	"github.com/mash-protocol/mash-tls/pkg/config"
)

const usage = `tlsession - TLS session tool

Usage:
  tlsession <command> [flags]

Commands:
  connect  Connect to a server and exchange lines
  serve    Accept one client and echo what it sends
  log      View a protocol log file
  stats    Show statistics about a protocol log file

Use "tlsession <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "connect":
		runConnect(args)
	case "serve":
		runServe(args)
	case "log", "view":
		runLog(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// sessionFlags are shared by connect and serve. Flags that are set
// override the config file.
type sessionFlags struct {
	configFile  string
	endpoint    string
	version     string
	cert        string
	key         string
	pkcs12      string
	password    string
	ciphers     string
	curve       string
	verify      string
	policy      string
	ca          string
	debug       bool
	logLevel    string
	logFormat   string
	protocolLog string
	trace       bool
	framed      bool
}

func (sf *sessionFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&sf.configFile, "config", "", "Configuration file (.yaml, .yml or .toml)")
	fs.StringVar(&sf.endpoint, "endpoint", "", "Address to connect to or listen on (host:port)")
	fs.StringVar(&sf.version, "version", "", "Protocol version: TLS1.0, TLS1.1, TLS1.2, TLS1.3")
	fs.StringVar(&sf.cert, "cert", "", "PEM certificate chain file")
	fs.StringVar(&sf.key, "key", "", "PEM private key file")
	fs.StringVar(&sf.pkcs12, "pkcs12", "", "PKCS#12 identity file")
	fs.StringVar(&sf.password, "password", "", "PKCS#12 password")
	fs.StringVar(&sf.ciphers, "ciphers", "", "Comma-separated cipher suite names, most preferred first")
	fs.StringVar(&sf.curve, "curve", "", "Key exchange curve (P-256, P-384, P-521, X25519)")
	fs.StringVar(&sf.verify, "verify", "", "Comma-separated verify flags: none, peer, fail-if-no-peer-cert, client-once")
	fs.StringVar(&sf.policy, "policy", "", "Certificate policy: engine, ca, any")
	fs.StringVar(&sf.ca, "ca", "", "PEM CA file for the ca policy and engine roots")
	fs.BoolVar(&sf.debug, "debug", false, "Log raw traffic and warning alerts")
	fs.StringVar(&sf.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&sf.logFormat, "log-format", "", "Log format: text, json")
	fs.StringVar(&sf.protocolLog, "protocol-log", "", "Write protocol events to this CBOR file")
	fs.BoolVar(&sf.trace, "trace", false, "Print protocol events to stderr in the log format")
	fs.BoolVar(&sf.framed, "framed", false, "Exchange length-prefixed frames instead of lines")
}

// load reads the config file, if any, and applies the flags that were set
// on the command line.
func (sf *sessionFlags) load(fs *flag.FlagSet, role string) (*config.File, error) {
	f := config.Default()
	if sf.configFile != "" {
		var err error
		if f, err = config.Load(sf.configFile); err != nil {
			return nil, err
		}
	}
	f.Role = role

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "endpoint":
			f.Endpoint = sf.endpoint
		case "version":
			f.Version = sf.version
		case "cert":
			f.Identity.Certificate = sf.cert
		case "key":
			f.Identity.PrivateKey = sf.key
		case "pkcs12":
			f.Identity.PKCS12 = sf.pkcs12
		case "password":
			f.Identity.Password = sf.password
		case "ciphers":
			f.Ciphers = splitList(sf.ciphers)
		case "curve":
			f.Curve = sf.curve
		case "verify":
			f.Verify.Mode = splitList(sf.verify)
		case "policy":
			f.Verify.Policy = sf.policy
		case "ca":
			f.Verify.CAFile = sf.ca
		case "debug":
			f.Debug = sf.debug
		case "log-level":
			f.Log.Level = sf.logLevel
		case "log-format":
			f.Log.Format = sf.logFormat
		case "protocol-log":
			f.Log.ProtocolFile = sf.protocolLog
		}
	})

	if f.Endpoint == "" {
		return nil, fmt.Errorf("endpoint required (-endpoint or config file)")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tlsession connect - Connect to a server and exchange lines

Lines read from stdin are sent one by one and each echo is printed.

Usage:
  tlsession connect [flags]

Flags:
`)
		fs.PrintDefaults()
	}
	var sf sessionFlags
	sf.register(fs)
	interactive := fs.Bool("interactive", false, "Start an interactive shell after connecting")
	wait := fs.Bool("wait", false, "Wait for the server's close-notify on exit")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	f, err := sf.load(fs, "client")
	if err != nil {
		fatal(err)
	}

	env, err := commands.Open(f, commands.EnvOptions{Stderr: os.Stderr, Trace: sf.trace})
	if err != nil {
		fatal(err)
	}
	defer env.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if !*interactive {
		err := commands.RunConnect(ctx, env, os.Stdin, os.Stdout, commands.ConnectOptions{
			Framed:       sf.framed,
			WaitShutdown: *wait,
		})
		if err != nil {
			env.Close()
			fatal(err)
		}
		return
	}

	s := env.Session
	if err := s.Connect(f.Endpoint); err != nil {
		env.Close()
		fatal(fmt.Errorf("connect %s: %w", f.Endpoint, err))
	}
	shell := commands.NewShell(s, commands.NewExchanger(s, sf.framed), os.Stdout)
	if err := shell.Run(ctx); err != nil {
		env.Close()
		fatal(err)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tlsession serve - Accept one client and echo what it sends

Usage:
  tlsession serve [flags]

Flags:
`)
		fs.PrintDefaults()
	}
	var sf sessionFlags
	sf.register(fs)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	f, err := sf.load(fs, "server")
	if err != nil {
		fatal(err)
	}

	env, err := commands.Open(f, commands.EnvOptions{Stderr: os.Stderr, Trace: sf.trace})
	if err != nil {
		fatal(err)
	}
	defer env.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := commands.RunServe(ctx, env, os.Stdout, commands.ServeOptions{Framed: sf.framed}); err != nil {
		env.Close()
		fatal(err)
	}
}

func runLog(args []string) {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tlsession log - View a protocol log file

Usage:
  tlsession log [flags] <file>

Flags:
`)
		fs.PrintDefaults()
	}

	var opts commands.ViewOptions
	fs.StringVar(&opts.ConnID, "conn-id", "", "Filter by session ID")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, record, session)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (data, record, state, error, alert, verify)")
	fs.StringVar(&opts.Role, "role", "", "Filter by local role (client, server)")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.BoolVar(&opts.AlertsOnly, "alerts", false, "Show only alert events")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}

	filter, err := opts.Filter()
	if err != nil {
		fatal(err)
	}
	if err := commands.RunView(fs.Arg(0), filter, os.Stdout); err != nil {
		fatal(err)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tlsession stats - Show statistics about a protocol log file

Usage:
  tlsession stats <file>

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}

	if err := commands.RunStats(fs.Arg(0), os.Stdout); err != nil {
		fatal(err)
	}
}
