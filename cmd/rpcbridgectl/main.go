package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/danmuck/rpcbridge/internal/config"
	"github.com/danmuck/rpcbridge/internal/logging"
	"github.com/danmuck/rpcbridge/internal/protocol/session"
	"github.com/danmuck/rpcbridge/internal/rpc"
	"github.com/rs/zerolog/log"
)

const usage = `usage: rpcbridgectl [flags] <command> [args]

commands:
  list                        list procedures and events exposed by -addr
  call <name> [json-args...]  call a procedure and print its JSON result
  emit <name> [json-args...]  emit an event
  config init [-kind daemon|client] [-output path] [-force]
  config validate [-kind daemon|client] <path>
`

type options struct {
	configPath string
	addr       string
	token      string
	retries    int
	timeout    time.Duration
}

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fatalf("%v", err)
	}
}

func run(argv []string, out io.Writer) error {
	fs := flag.NewFlagSet("rpcbridgectl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "client config path")
	fs.StringVar(&opts.addr, "addr", "", "bridge address host:port (overrides config)")
	fs.StringVar(&opts.token, "token", "", "auth token (overrides config)")
	fs.IntVar(&opts.retries, "retries", -1, "connect retries (overrides config)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "per-command timeout (overrides config)")
	if err := fs.Parse(argv); err != nil {
		return fmt.Errorf("%w\n%s", err, usage)
	}
	args := fs.Args()
	if len(args) == 0 {
		return errors.New(strings.TrimSpace(usage))
	}

	if args[0] == "config" {
		return runConfig(args[1:], out)
	}

	cfg, err := resolveClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	bridge := rpc.NewBridge(
		rpc.WithSessionConfig(cfg.Session),
		rpc.WithDiscovery(rpc.DiscoveryRemote),
		rpc.WithBridgeDialTimeout(cfg.Timeout),
	)
	defer bridge.Close()
	addr, err := rpc.ParseAddress(cfg.Addr)
	if err != nil {
		return err
	}

	var stub *rpc.Stub
	err = withRetry(ctx, cfg.Retries, cfg.Session.Backoff, func() error {
		var err error
		stub, err = bridge.CreateClient(ctx, addr.Host, addr.Port)
		return err
	})
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		return printJSON(out, map[string]any{
			"addr":       addr.Key(),
			"procedures": nonNil(stub.ProcedureNames()),
			"events":     nonNil(stub.EventNames()),
		})
	case "call":
		name, callArgs, err := invocation(args[1:])
		if err != nil {
			return err
		}
		res, err := stub.Call(ctx, name, callArgs...)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	case "emit":
		name, emitArgs, err := invocation(args[1:])
		if err != nil {
			return err
		}
		if err := stub.Emit(ctx, name, emitArgs...); err != nil {
			return err
		}
		fmt.Fprintf(out, "emitted %s to %s\n", name, addr.Key())
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func resolveClient(opts options) (config.Client, error) {
	cfg := config.DefaultClient()
	if opts.configPath != "" {
		loaded, err := config.LoadClient(opts.configPath)
		if err != nil {
			return config.Client{}, err
		}
		cfg = loaded
	}
	if opts.addr != "" {
		cfg.Addr = strings.TrimSpace(opts.addr)
	}
	if opts.token != "" {
		cfg.Session.AuthToken = opts.token
	}
	if opts.retries >= 0 {
		cfg.Retries = opts.retries
	}
	if opts.timeout > 0 {
		cfg.Timeout = opts.timeout
	}
	if err := config.ValidateClient(cfg); err != nil {
		return config.Client{}, err
	}
	return cfg, nil
}

// withRetry retries fn while it fails to connect. Remote call failures and
// handshake rejections are returned at once.
func withRetry(ctx context.Context, retries int, backoff session.BackoffConfig, fn func() error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		var connectErr *rpc.ConnectError
		if err == nil || !errors.As(err, &connectErr) || errors.Is(err, session.ErrHandshakeRejected) {
			return err
		}
		if attempt > retries {
			return err
		}
		delay := session.NextBackoffDelay(backoff, attempt, rng)
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("rpcbridgectl retrying connect")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		}
	}
}

// invocation splits "<name> [json-args...]". Arguments that are not valid JSON
// are passed as plain strings.
func invocation(args []string) (string, []any, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", nil, errors.New("missing endpoint name")
	}
	out := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out = append(out, v)
	}
	return args[0], out, nil
}

func runConfig(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("config needs init or validate\n%s", usage)
	}
	fs := flag.NewFlagSet("config "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kind := fs.String("kind", config.KindClient, "config kind: daemon|client")
	output := fs.String("output", "", "output path for config template")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "init":
		target := *output
		if target == "" {
			target = defaultConfigPath(*kind)
		}
		if err := config.WriteTemplate(target, *kind, *force); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s config template to %s\n", *kind, target)
		return nil
	case "validate":
		path := fs.Arg(0)
		if path == "" {
			path = defaultConfigPath(*kind)
		}
		if err := config.Validate(path, *kind); err != nil {
			return err
		}
		fmt.Fprintf(out, "validated %s config at %s\n", *kind, path)
		return nil
	default:
		return fmt.Errorf("unknown config command %q", args[0])
	}
}

func defaultConfigPath(kind string) string {
	if kind == config.KindDaemon {
		return "rpcbridged.toml"
	}
	return "rpcbridgectl.toml"
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "rpcbridgectl: "+format+"\n", args...)
	os.Exit(1)
}
