// Wstest tests Riptide's [WebSocket client] against
// the fuzzing server of the [Autobahn Testsuite].
//
// [WebSocket client]: https://pkg.go.dev/github.com/tzrikka/riptide/pkg/websocket
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tzrikka/riptide/internal/logger"
	"github.com/tzrikka/riptide/pkg/websocket"
)

const (
	baseURL = "ws://127.0.0.1:9001"
	agent   = "riptide"
)

func main() {
	l := logger.New(true)

	n := getCaseCount(l)
	l.Info().Int("n", n).Msg("case count")

	// Not implemented in Riptide (so excluded in "config/fuzzingserver.json"):
	//   - 12.* and 13.*: WebSocket compression.
	for i := range n {
		runCase(l, i+1)
	}

	updateReports(l)
}

func dial(l zerolog.Logger, url string) (*websocket.Client, error) {
	cfg := websocket.DefaultConfig()
	cfg.EnableHeartbeat = false
	cfg.EnableAutoReconnect = false

	c := websocket.NewClient(websocket.WithConfig(cfg), websocket.WithLogger(l))
	if err := c.Connect(context.Background(), url); err != nil {
		return nil, err
	}
	return c, nil
}

// getCaseCount retrieves the number of enabled test cases from
// the Autobahn fuzzing server, using a WebSocket request.
func getCaseCount(l zerolog.Logger) int {
	c, err := dial(l, baseURL+"/getCaseCount")
	if err != nil {
		logger.FatalError(l, "dial error", err)
	}

	msg, err := c.Receive(context.Background())
	if err != nil {
		l.Debug().Msg("connection closed")
		return 0
	}

	n, err := strconv.Atoi(msg.Text())
	if err != nil {
		logger.FatalError(l, "invalid test case count", err)
	}

	return n
}

// updateReports instructs the Autobahn fuzzing server to generate/update
// all the HTML and JSON files for all the test-case results.
func updateReports(l zerolog.Logger) {
	l.Info().Msg("updating reports")

	url := fmt.Sprintf("%s/updateReports?agent=%s", baseURL, agent)
	if _, err := dial(l, url); err != nil {
		logger.FatalError(l, "dial error", err)
	}
}

func runCase(l zerolog.Logger, i int) {
	l = l.With().Int("case", i).Logger()
	l.Info().Msg("starting test")

	c, err := dial(l, fmt.Sprintf("%s/runCase?case=%d&agent=%s", baseURL, i, agent))
	if err != nil {
		logger.FatalError(l, "dial error", err)
	}

	// Echo loop.
	ctx := context.Background()
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, websocket.ErrInvalidState) {
				l.Debug().Msg("connection closed")
				break
			}
			l.Err(err).Msg("receive error")
			break
		}

		l.Info().Stringer("type", msg.Type).Int("length", len(msg.Data)).Msg("received message")

		switch msg.Type {
		case websocket.MessageText:
			err = c.SendText(ctx, msg.Text())
		case websocket.MessageBinary:
			err = c.SendBinary(ctx, msg.Data)
		default:
			l.Error().Msg("unexpected type in data message")
			os.Exit(1)
		}

		if err != nil {
			l.Err(err).Msg("echo error")
			_ = c.Close(websocket.StatusNormalClosure, "")
		}
	}
}
