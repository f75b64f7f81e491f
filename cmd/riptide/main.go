package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/riptide/internal/logger"
	"github.com/tzrikka/riptide/pkg/metrics"
	"github.com/tzrikka/riptide/pkg/reconnect"
	"github.com/tzrikka/riptide/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "riptide"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:      "riptide",
		Usage:     "WebSocket client that tails messages from a server, with heartbeats and auto-reconnection",
		Version:   bi.Main.Version,
		Flags:     flags(),
		ArgsUsage: "ws://... or wss://... URL",
		Action:    run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.StringFlag{
			Name:  "url",
			Usage: "WebSocket server URL (alternative to the positional argument)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("RIPTIDE_URL"),
				toml.TOML("client.url", path),
			),
		},
		&cli.BoolFlag{
			Name:  "echo",
			Usage: "echo incoming data messages back to the server",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("RIPTIDE_ECHO"),
				toml.TOML("client.echo", path),
			),
		},
		&cli.DurationFlag{
			Name:  "heartbeat-interval",
			Usage: "time between ping control frames (0 disables heartbeats)",
			Value: websocket.DefaultHeartbeatInterval,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("RIPTIDE_HEARTBEAT_INTERVAL"),
				toml.TOML("heartbeat.interval", path),
			),
		},
		&cli.DurationFlag{
			Name:  "heartbeat-timeout",
			Usage: "how long to wait for each pong control frame",
			Value: websocket.DefaultHeartbeatTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("RIPTIDE_HEARTBEAT_TIMEOUT"),
				toml.TOML("heartbeat.timeout", path),
			),
		},
		&cli.StringFlag{
			Name:  "reconnect-strategy",
			Usage: "one of: exponential, linear, fixed, adaptive, none",
			Value: "exponential",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("RIPTIDE_RECONNECT_STRATEGY"),
				toml.TOML("reconnect.strategy", path),
			),
			Validator: func(s string) error {
				_, err := strategyByName(s, websocket.DefaultMaxReconnectAttempts)
				return err
			},
		},
		&cli.IntFlag{
			Name:  "max-reconnect-attempts",
			Usage: "give up when the reconnection attempt number reaches this value",
			Value: websocket.DefaultMaxReconnectAttempts,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("RIPTIDE_MAX_RECONNECT_ATTEMPTS"),
				toml.TOML("reconnect.max_attempts", path),
			),
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "record connection and reconnection events in local CSV files",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("RIPTIDE_METRICS"),
				toml.TOML("client.metrics", path),
			),
		},
	}
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		fmt.Printf("Error: failed to create config file: %v\n", err)
		os.Exit(1)
	}
	return altsrc.StringSourcer(path)
}

// strategyByName constructs the reconnection policy selected
// by the "reconnect-strategy" flag.
func strategyByName(name string, maxAttempts int) (reconnect.Strategy, error) {
	switch name {
	case "exponential":
		return reconnect.NewExponentialBackoff(time.Second, 30*time.Second, maxAttempts), nil
	case "linear":
		return reconnect.NewLinearBackoff(time.Second, 2*time.Second, 30*time.Second, maxAttempts), nil
	case "fixed":
		return reconnect.NewFixedInterval(5*time.Second, maxAttempts), nil
	case "adaptive":
		return reconnect.NewAdaptive(time.Second, 30*time.Second), nil
	case "none":
		return reconnect.None{}, nil
	default:
		return nil, fmt.Errorf("unrecognized reconnect strategy %q", name)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := logger.New(cmd.Bool("dev"))

	url := cmd.String("url")
	if url == "" {
		url = cmd.Args().First()
	}
	if url == "" {
		return fmt.Errorf("missing WebSocket server URL")
	}

	strategy, err := strategyByName(cmd.String("reconnect-strategy"), cmd.Int("max-reconnect-attempts"))
	if err != nil {
		return err
	}

	cfg := websocket.DefaultConfig()
	cfg.HeartbeatInterval = cmd.Duration("heartbeat-interval")
	cfg.HeartbeatTimeout = cmd.Duration("heartbeat-timeout")
	cfg.EnableHeartbeat = cfg.HeartbeatInterval > 0
	cfg.MaxReconnectAttempts = cmd.Int("max-reconnect-attempts")
	cfg.ReconnectStrategy = strategy
	if _, ok := strategy.(reconnect.None); ok {
		cfg.EnableAutoReconnect = false
	}

	c := websocket.NewClient(websocket.WithConfig(cfg), websocket.WithLogger(l))
	wireEvents(l, c, cmd.Bool("metrics"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx, url); err != nil {
		return err
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	return tailMessages(ctx, c, cmd.Bool("echo"))
}

// wireEvents logs (and optionally records) connection lifecycle events.
func wireEvents(l zerolog.Logger, c *websocket.Client, record bool) {
	c.OnStateChange(func(old, current websocket.State) {
		l.Info().Stringer("from", old).Stringer("to", current).Msg("connection state changed")
		if record {
			metrics.RecordConnectionEvent(l, time.Now(), c.ID(), "state_"+current.String(), old.String())
		}
	})

	c.OnReconnectEvent(func(e reconnect.Event) {
		l.Info().Stringer("event", e.Type).Int("attempt", e.Attempt).AnErr("error", e.Err).
			Msg("reconnection event")
		if record && (e.Type == reconnect.EventFailed || e.Type == reconnect.EventSucceeded) {
			metrics.RecordReconnectAttempt(time.Now(), c.ID(), e.Attempt, e.Err)
		}
	})

	c.OnRTT(func(rtt time.Duration) {
		l.Debug().Dur("rtt", rtt).Msg("heartbeat round-trip time")
	})
	c.OnHeartbeatTimeout(func() {
		l.Warn().Msg("heartbeat timeout")
		if record {
			metrics.RecordConnectionEvent(l, time.Now(), c.ID(), "heartbeat_timeout", "")
		}
	})
}

// tailMessages prints incoming data messages until the context is
// cancelled or the connection is no longer usable.
func tailMessages(ctx context.Context, c *websocket.Client, echo bool) error {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // Interrupted by the user.
			}
			return err
		}

		fmt.Printf("[%s] %s\n", msg.Type, msg.Text())

		if echo {
			if err := c.Send(ctx, msg); err != nil {
				return err
			}
		}
	}
}
