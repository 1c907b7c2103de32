package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"psagate/pkg/circuit"
	"psagate/pkg/events"

	"github.com/spf13/cobra"
)

type eventReader interface {
	ReadEvent(ctx context.Context) (events.Event, error)
	Close() error
}

var newEventReader = func(cfg events.KafkaConfig) (eventReader, error) {
	return events.NewKafkaConsumer(cfg)
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "events",
		Short: "Work with published circuit events",
	}
	root.AddCommand(newEventsTailCmd(opts))
	return root
}

func newEventsTailCmd(opts *rootOptions) *cobra.Command {
	var (
		cfg     events.KafkaConfig
		brokers string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print circuit transitions as the gateway publishes them",
		Long: `Consume the gateway's event topic and print each circuit transition.

Examples:
  psactl events tail --brokers kafka-1:9092
  psactl events tail --brokers kafka-1:9092 --count 10 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Brokers = strings.Split(brokers, ",")
			reader, err := newEventReader(cfg)
			if err != nil {
				return err
			}
			defer reader.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				evt, err := reader.ReadEvent(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				if err := printEvent(out, opts.output, evt); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&brokers, "brokers", os.Getenv("KAFKA_BROKERS"), "Comma separated Kafka brokers")
	cmd.Flags().StringVar(&cfg.Topic, "topic", envOr("KAFKA_TOPIC", ""), "Event topic (default gateway topic when empty)")
	cmd.Flags().StringVar(&cfg.GroupID, "group", "psactl", "Consumer group id")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many events (0 follows forever)")
	return cmd
}

func printEvent(w io.Writer, format string, evt events.Event) error {
	if strings.EqualFold(format, "json") {
		raw, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	if evt.Type != events.TypeCircuitTransition {
		_, err := fmt.Fprintf(w, "%s %s\n", dimFmt(evt.At), evt.Type)
		return err
	}
	var tr circuit.Transition
	if err := json.Unmarshal(evt.Data, &tr); err != nil {
		return fmt.Errorf("decode transition: %w", err)
	}
	_, err := fmt.Fprintf(w, "%s %-12s %s -> %s (%s)\n", dimFmt(evt.At), tr.Service, stateFmt(tr.From), stateFmt(tr.To), tr.Reason)
	return err
}
