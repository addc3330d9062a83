// Command piece-watch connects to a piece-counter and prints the dashboard
// board after every update, reconnecting when the server turns it away.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phsym/console-slog"

	"github.com/sweeney/piece-counter/internal/message"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/", "piece-counter WebSocket URL")
	retry := flag.Duration("retry", 2*time.Second, "Delay before reconnecting (0 exits after the first session)")
	debug := flag.Bool("debug", false, "Verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, *retry, os.Stdout, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// run watches url until ctx is cancelled. With retry 0 it returns after one session.
func run(ctx context.Context, url string, retry time.Duration, out io.Writer, log *slog.Logger) error {
	for {
		err := watch(ctx, url, out, log)
		if ctx.Err() != nil {
			return nil
		}
		if retry <= 0 {
			return err
		}

		switch {
		case websocket.IsCloseError(err, websocket.CloseTryAgainLater):
			log.Info("sensor busy, will retry", "in", retry)
		case err != nil:
			log.Warn("disconnected", "error", err, "retry_in", retry)
		}

		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return nil
		}
	}
}

// watch runs one session: every frame is folded into a fresh board which is
// printed after each update.
func watch(ctx context.Context, url string, out io.Writer, log *slog.Logger) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.Close()
	})
	defer stop()

	log.Info("connected", "url", url)
	board := message.NewBoard()
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return err
		}
		if err := board.Apply(data); err != nil {
			log.Warn("ignoring frame", "error", err, "payload", string(data))
			continue
		}
		fmt.Fprintln(out, board)
	}
}
