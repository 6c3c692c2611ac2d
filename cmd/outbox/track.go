package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/SebastienMelki/outbox"
)

// maxLineBytes bounds one input line. Larger events are oversized anyway.
const maxLineBytes = 1 << 20

// trackLine is one JSON line read by the track command.
type trackLine struct {
	Event        string         `json:"event"`
	UserID       string         `json:"userId"`
	Properties   map[string]any `json:"properties"`
	Context      map[string]any `json:"context"`
	Integrations map[string]any `json:"integrations"`
	Timestamp    time.Time      `json:"timestamp"`
	MessageID    string         `json:"messageId"`
}

func (l trackLine) toEvent() outbox.Event {
	return outbox.Event{
		Name:         l.Event,
		UserID:       l.UserID,
		Properties:   l.Properties,
		Context:      l.Context,
		Integrations: l.Integrations,
		Timestamp:    l.Timestamp,
		MessageID:    l.MessageID,
	}
}

type tracker interface {
	Track(event outbox.Event) error
}

func newTrackCmd(flags *globalFlags) *cobra.Command {
	var (
		eventsPerSecond float64
		drain           bool
	)

	cmd := &cobra.Command{
		Use:   "track [file]",
		Short: "Enqueue events from JSON lines",
		Long:  "Read one event per line ({\"event\": ..., \"userId\": ..., \"properties\": {...}}) from a file or stdin and enqueue them. Invalid lines are reported and skipped.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			s, err := flags.openSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			var limiter *rate.Limiter
			if eventsPerSecond > 0 {
				limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), 1)
			}

			tracked, skipped, err := runTrack(ctx, s.client, in, limiter, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			s.logger.Info("events read", "tracked", tracked, "skipped", skipped)

			if drain {
				if err := s.client.Drain(ctx); err != nil {
					s.logger.Warn("drain incomplete, events kept for next run", "error", err)
				}
			}
			if err := s.close(); err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), s.client.Stats(), s.client.Size())
			return nil
		},
	}

	cmd.Flags().Float64Var(&eventsPerSecond, "rate", 0, "maximum events per second (0 = unlimited)")
	cmd.Flags().BoolVar(&drain, "drain", false, "upload everything queued before exiting")

	return cmd
}

// runTrack enqueues every valid line of in. It stops early when ctx is
// canceled.
func runTrack(ctx context.Context, t tracker, in io.Reader, limiter *rate.Limiter, errOut io.Writer) (tracked, skipped int, err error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var l trackLine
		if err := json.Unmarshal(line, &l); err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", lineNo, err)
			skipped++
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return tracked, skipped, nil
			}
		}

		if err := t.Track(l.toEvent()); err != nil {
			if ctx.Err() != nil {
				return tracked, skipped, nil
			}
			fmt.Fprintf(errOut, "line %d: %v\n", lineNo, err)
			skipped++
			continue
		}
		tracked++
	}
	if err := scanner.Err(); err != nil {
		return tracked, skipped, fmt.Errorf("read events: %w", err)
	}
	return tracked, skipped, nil
}
