package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"runwatch/internal/adapter/runapi"
	"runwatch/internal/adapter/store"
	"runwatch/internal/adapter/transport"
	"runwatch/internal/domain"
	"runwatch/internal/infra/config"
	"runwatch/internal/infra/logger"
	"runwatch/internal/infra/tracer"
	"runwatch/internal/usecase/eventbus"
	"runwatch/internal/usecase/preconnect"
	"runwatch/internal/usecase/stream"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "watch":
		err = runWatch(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	default:
		// Bare run id shorthand for watch.
		err = runWatch(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`runwatch - Agent run stream watcher

USAGE:
    runwatch [COMMAND] RUN_ID [FLAGS]

COMMANDS:
    watch       Attach to a run's event stream and print it (default)
    stop        Stop a run and detach
    status      Query a run's backend status

FLAGS:
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    RUNWATCH_TOKEN supplies the stream credential

EXAMPLES:
    runwatch run_01j8...          # Watch a run
    runwatch stop run_01j8...     # Stop a run
    runwatch status run_01j8...   # One-shot status lookup`)
}

// bootstrap loads config and builds the shared infra stack.
func bootstrap(args []string) (*config.Config, *runtime, []string, error) {
	fs := flag.NewFlagSet("runwatch", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	shutdownTracer, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("init tracer: %w", err)
	}

	rt := &runtime{
		log: log,
		api: runapi.New(cfg.API, log),
		cleanup: func() {
			_ = shutdownTracer(context.Background())
			_ = closeLog()
		},
	}
	return cfg, rt, fs.Args(), nil
}

type runtime struct {
	log     *slog.Logger
	api     *runapi.Client
	cleanup func()
}

func runWatch(args []string) error {
	cfg, rt, rest, err := bootstrap(args)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	if len(rest) < 1 {
		return fmt.Errorf("watch: run id required")
	}
	runID := rest[0]

	bus := eventbus.New(rt.log)
	defer bus.Close()

	var sink *store.SQLiteSink
	if cfg.Store.Enabled {
		sink, err = store.NewSQLiteSink(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	factory := connFactory(cfg.Stream, rt)
	registry := preconnect.New(factory, preconnect.Options{Logger: rt.log})
	defer registry.Destroy()

	done := make(chan domain.AgentStatus, 1)

	orch := stream.New(stream.Options{
		Connect: factory,
		Control: rt.api,
		Adopter: registry,
		Bus:     bus,
		Logger:  rt.log,
		Config: stream.Config{
			FlushInterval:      cfg.Stream.FlushInterval,
			ToolUpdateInterval: cfg.Stream.ToolCallUpdateInterval,
			CloseResolveDelay:  cfg.Stream.CloseResolveDelay,
		},
		Callbacks: stream.Callbacks{
			OnStatusChange: func(status domain.AgentStatus) {
				fmt.Fprintf(os.Stderr, "-- %s\n", status)
			},
			OnAssistantChunk: func(content string) {
				fmt.Print(content)
			},
			OnToolCallChunk: func(_ *domain.Message, calls []domain.ReconstructedToolCall) {
				for _, c := range calls {
					if c.Completed {
						continue
					}
					fmt.Fprintf(os.Stderr, "-- tool %s %s\n", c.FunctionName, c.Arguments)
				}
			},
			OnToolOutputStream: func(out domain.ToolOutput) {
				fmt.Fprintf(os.Stderr, "-- tool output [%s]: %s\n", out.ToolName, out.Output)
			},
			OnMessage: func(msg *domain.Message) {
				if sink == nil {
					return
				}
				if err := sink.SaveMessage(context.Background(), msg); err != nil {
					rt.log.Warn("persist message failed", "error", err)
				}
			},
			OnError: func(message string) {
				fmt.Fprintf(os.Stderr, "-- error: %s\n", message)
			},
			OnClose: func(final domain.AgentStatus) {
				select {
				case done <- final:
				default:
				}
			},
		},
		Notify: func(message string) {
			fmt.Fprintf(os.Stderr, "!! %s\n", message)
		},
	})

	if err := orch.StartStreaming(runID); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case final := <-done:
		fmt.Println()
		if sink != nil {
			snap := orch.Snapshot()
			if err := sink.SaveTranscript(context.Background(), runID, final, snap.Text); err != nil {
				rt.log.Warn("persist transcript failed", "error", err)
			}
		}
		rt.log.Info("run finished", "run_id", runID, "status", string(final))
		if final == domain.StatusError || final == domain.StatusFailed {
			return fmt.Errorf("run ended with status %s", final)
		}
		return nil
	case <-sig:
		fmt.Fprintln(os.Stderr, "\ninterrupted, detaching")
		return orch.StopStreaming()
	}
}

// connFactory adapts the transport connection manager to the orchestrator's
// factory shape, binding config and the credential provider.
func connFactory(cfg config.StreamConfig, rt *runtime) stream.ConnectionFactory {
	return func(runID string, hooks stream.ConnectionHooks) stream.Connection {
		return transport.New(runID, transport.Handlers{
			OnOpen:    hooks.OnOpen,
			OnMessage: hooks.OnMessage,
			OnError:   hooks.OnError,
			OnClose:   hooks.OnClose,
		}, transport.Options{
			BaseURL: cfg.BaseURL,
			Token: func(ctx context.Context) (string, error) {
				token := os.Getenv("RUNWATCH_TOKEN")
				if token == "" {
					return "", domain.ErrNoCredential
				}
				return token, nil
			},
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			BaseDelay:         cfg.ReconnectBaseDelay,
			MaxDelay:          cfg.ReconnectMaxDelay,
			Multiplier:        cfg.ReconnectMultiplier,
			MaxAttempts:       cfg.ReconnectMaxAttempts,
			Logger:            rt.log,
		})
	}
}

func runStop(args []string) error {
	_, rt, rest, err := bootstrap(args)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	if len(rest) < 1 {
		return fmt.Errorf("stop: run id required")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rt.api.Stop(ctx, rest[0]); err != nil {
		return err
	}
	fmt.Printf("stop requested for %s\n", rest[0])
	return nil
}

func runStatus(args []string) error {
	_, rt, rest, err := bootstrap(args)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	if len(rest) < 1 {
		return fmt.Errorf("status: run id required")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	status, err := rt.api.Status(ctx, rest[0])
	if err != nil {
		if domain.IsNotFound(err) {
			fmt.Println(string(domain.StatusAgentNotRunning))
			return nil
		}
		return err
	}
	fmt.Println(string(status))
	return nil
}
