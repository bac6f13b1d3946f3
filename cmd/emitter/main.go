package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saviobatista/rid-tracker/internal/jsoncodec"
	"github.com/saviobatista/rid-tracker/internal/nats"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Publisher interface for testability
type Publisher interface {
	Publish(subject string, data []byte) error
}

type options struct {
	file     string
	natsURL  string
	subject  string
	interval time.Duration
	rounds   int
	verbose  bool
}

// loadMessages reads a JSON array and returns each element re-encoded as
// one bus message.
func loadMessages(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var items []any
	if err := jsoncodec.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%s is not a JSON array: %w", path, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s contains no messages", path)
	}

	msgs := make([][]byte, 0, len(items))
	for _, item := range items {
		b, err := jsoncodec.Marshal(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, b)
	}
	return msgs, nil
}

// emit publishes msgs in order, one every interval, cycling through them
// rounds times (forever when rounds is 0). It returns the number published.
func emit(ctx context.Context, pub Publisher, subject string, msgs [][]byte, interval time.Duration, rounds int, logger logrus.FieldLogger) (int, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for round := 0; rounds == 0 || round < rounds; round++ {
		for i, msg := range msgs {
			if err := pub.Publish(subject, msg); err != nil {
				return sent, fmt.Errorf("failed to publish message %d: %w", i, err)
			}
			sent++
			logger.WithFields(logrus.Fields{
				"round": round,
				"index": i,
				"bytes": len(msg),
			}).Debug("Published message")

			select {
			case <-ctx.Done():
				return sent, nil
			case <-ticker.C:
			}
		}
	}
	return sent, nil
}

func run(opts *options) error {
	logger := logrus.New()
	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	msgs, err := loadMessages(opts.file)
	if err != nil {
		return err
	}

	client, err := nats.New(opts.natsURL, nats.DefaultReconnectWait, logger)
	if err != nil {
		return fmt.Errorf("failed to create NATS client: %w", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"file":     opts.file,
		"messages": len(msgs),
		"subject":  opts.subject,
	}).Info("Emitting messages")

	sent, err := emit(ctx, client, opts.subject, msgs, opts.interval, opts.rounds, logger)
	if ferr := client.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	logger.WithField("sent", sent).Info("Emitter stopped")
	return err
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "emitter",
		Short: "Replay Remote-ID messages onto NATS",
		Long: `Replays a JSON array of Remote-ID messages onto a NATS subject, one message
per interval, for feeding a tracker without a receiver.

Example usage:
  emitter --file drone_send.json --nats-url nats://localhost:4222`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "drone_send.json", "JSON array of messages to publish")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", natsURL, "NATS server URL")
	cmd.Flags().StringVar(&opts.subject, "subject", nats.SubjectTelemetry, "NATS subject")
	cmd.Flags().DurationVarP(&opts.interval, "interval", "i", time.Second, "Delay between messages")
	cmd.Flags().IntVarP(&opts.rounds, "rounds", "n", 0, "Passes over the file (0 = forever)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
