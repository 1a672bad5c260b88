// Command wsmuxd runs a standalone server implementing the WebSocket
// Multiplexing extension, echoing application data back on every channel
// it accepts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/wsmux/mux"
	"github.com/coregx/wsmux/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:   "wsmuxd",
		Usage:  "WebSocket multiplexing server",
		Flags:  flags(),
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsmuxd: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Value: ":8080",
			Usage: "address to listen on",
		},
		&cli.IntFlag{
			Name:  "initial-slots",
			Value: 16,
			Usage: "open channel slots granted at connection start",
		},
		&cli.UintFlag{
			Name:  "default-quota",
			Value: 1 << 20,
			Usage: "send_quota granted to each new logical channel, in bytes",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
	}
}

func run(_ context.Context, cmd *cli.Command) error {
	logger := mux.NewLogger(cmd.Bool("pretty-log"))

	ep := &endpoint{
		cfg: mux.Config{
			InitialSlots:     int(cmd.Int("initial-slots")),
			DefaultSendQuota: cmd.Uint("default-quota"),
			Logger:           logger,
		},
		logger: logger,
	}

	http.HandleFunc("/", ep.serveHTTP)

	addr := cmd.String("addr")
	logger.Info().Str("addr", addr).Msg("wsmuxd listening")
	return http.ListenAndServe(addr, nil) //nolint:gosec // example entrypoint, no timeouts configured
}

// endpoint upgrades incoming HTTP requests to WebSocket connections and runs
// a mux.Handler over each one, echoing application data on every channel.
type endpoint struct {
	cfg    mux.Config
	logger zerolog.Logger
}

func (e *endpoint) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn().Err(err).Msg("wsmuxd: upgrade failed")
		return
	}

	initial := mux.LogicalRequest{Method: r.Method, URI: r.URL.RequestURI(), Headers: r.Header}
	h := mux.NewHandler(mux.NewPhysicalStream(conn), mux.EchoDispatcher{}, initial, e.cfg)

	if err := h.Start(); err != nil {
		e.logger.Warn().Err(err).Msg("wsmuxd: failed to start mux handler")
		_ = conn.Close()
		return
	}

	_ = h.WaitUntilDone(0)
}
