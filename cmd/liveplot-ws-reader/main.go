package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/cactusdynamics/liveplot"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"
	"nhooyr.io/websocket"
)

// Replace frames carry whole series and easily exceed the default limit.
const readLimit = 64 << 20

// Config holds the configuration for the WS reader
type Config struct {
	ServerURL string
	Output    io.Writer
	Logger    *slog.Logger

	// MaxRetries bounds reconnect attempts after a dropped connection. Zero
	// disables reconnecting.
	MaxRetries uint64
}

// WSReader follows a liveplot /ws2 endpoint, rebuilds the charts in a
// Mirror and writes every data point it receives as CSV.
type WSReader struct {
	config    Config
	csvWriter *csv.Writer
	mirror    *liveplot.Mirror
}

// NewWSReader creates a new WS reader with the given configuration
func NewWSReader(config Config) *WSReader {
	return &WSReader{
		config:    config,
		csvWriter: csv.NewWriter(config.Output),
		mirror:    liveplot.NewMirror(),
	}
}

// Mirror returns the charts rebuilt from the last connection. It is only
// safe to call once Run or Connect has returned.
func (w *WSReader) Mirror() *liveplot.Mirror {
	return w.mirror
}

// Run connects and keeps reconnecting with exponential backoff until the
// server closes the connection normally, ctx is cancelled, or the retries
// run out.
func (w *WSReader) Run(ctx context.Context) error {
	if err := w.csvWriter.Write([]string{"handle_id", "series", "x", "y"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.config.MaxRetries), ctx)
	err := backoff.RetryNotify(func() error {
		err := w.Connect(ctx)
		if err == nil || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		w.config.Logger.Warn("Connection lost, reconnecting", "error", err, "in", next)
	})

	w.csvWriter.Flush()
	if flushErr := w.csvWriter.Error(); flushErr != nil {
		return flushErr
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Connect reads one connection until it closes. A normal closure or a
// cancelled ctx returns nil.
func (w *WSReader) Connect(ctx context.Context) error {
	u, err := url.Parse(w.config.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	// Change scheme to websocket
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws2"

	w.config.Logger.Info("Connecting to websocket", "url", u.String())

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	// Every connection starts with a snapshot of the server state.
	w.mirror = liveplot.NewMirror()

	for {
		_, messageData, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				w.config.Logger.Info("Connection closed normally")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		if err := w.processMessage(ctx, messageData); err != nil {
			w.config.Logger.Error("Error processing message", "error", err)
		}
	}
}

// processMessage applies a single frame to the mirror and writes its data
// points.
func (w *WSReader) processMessage(ctx context.Context, messageData []byte) error {
	msg, err := liveplot.DecodeMessage(messageData)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	if err := w.mirror.Apply(ctx, msg); err != nil {
		return fmt.Errorf("failed to apply %v: %w", msg.Kind, err)
	}

	switch msg.Kind {
	case liveplot.KindCreate, liveplot.KindReplaceData:
		handle, ok := w.mirror.Handle(msg.ID)
		if !ok {
			return nil
		}
		for _, s := range handle.Series {
			for i := range s.X {
				if err := w.writeRow(msg.ID, s.Name, s.X[i], s.Y[i]); err != nil {
					return err
				}
			}
		}

	case liveplot.KindExtendData:
		handle, ok := w.mirror.Handle(msg.ID)
		if !ok {
			return nil
		}
		for series, samples := range msg.Samples {
			for _, sample := range samples {
				if err := w.writeRow(msg.ID, handle.Series[series].Name, sample.X, sample.Y); err != nil {
					return err
				}
			}
		}

	case liveplot.KindPatchOptions:
		w.config.Logger.Debug("Received options", "id", msg.ID, "options", msg.Options)

	case liveplot.KindRemove:
		w.config.Logger.Info("Handle removed", "id", msg.ID)
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

func (w *WSReader) writeRow(id liveplot.HandleID, series string, x, y float64) error {
	row := []string{
		id.String(),
		series,
		strconv.FormatFloat(x, 'g', -1, 64),
		strconv.FormatFloat(y, 'g', -1, 64),
	}
	if err := w.csvWriter.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

func main() {
	flagSet := pflag.NewFlagSet("liveplot-ws-reader", pflag.ExitOnError)
	serverURL := flagSet.String("url", "http://localhost:5274", "URL of the liveplot server")
	retries := flagSet.Uint64("retries", 5, "reconnect attempts after a dropped connection")
	verbose := flagSet.BoolP("verbose", "v", false, "log every options patch")
	flagSet.Parse(os.Args[1:])

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	config := Config{
		ServerURL:  *serverURL,
		Output:     os.Stdout,
		Logger:     logger,
		MaxRetries: *retries,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reader := NewWSReader(config)
	if err := reader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		config.Logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
}
