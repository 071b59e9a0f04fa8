// relay-admin is the inspection CLI for the relay ledger: list and revive
// dead-letter events, replay history, and publish test events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/syntrixbase/relay/internal/config"
	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/store"
)

const usage = `Usage: relay-admin [-config dir] <command> [options]

Commands:
  dlq-list   [-limit n]                       list dead-letter events
  dlq-retry  <event-id>                       move a dead-letter event back to pending
  replay     [-start t] [-end t] [-types a,b] print events in a time range (RFC 3339)
  publish    -type t -source s [-payload json] publish one event
`

func main() {
	configDir := flag.String("config", ".", "Directory containing config.yml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configDir, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "relay-admin: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir, command string, args []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := context.Background()
	ledger, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer ledger.Close()

	switch command {
	case "dlq-list":
		return dlqList(ctx, ledger, args)
	case "dlq-retry":
		return dlqRetry(ctx, ledger, args)
	case "replay":
		return replay(ctx, ledger, args)
	case "publish":
		return publish(ctx, ledger, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func dlqList(ctx context.Context, ledger store.Store, args []string) error {
	fs := flag.NewFlagSet("dlq-list", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Maximum records to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	records, err := ledger.DLQList(ctx, *limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Dead-letter queue is empty.")
		return nil
	}

	for _, rec := range records {
		fmt.Printf("%s  %-20s  attempts=%d  created=%s\n    error: %s\n",
			rec.Event.ID,
			rec.Event.Type,
			rec.Attempts,
			rec.CreatedAt.Format(time.RFC3339),
			rec.Error,
		)
	}
	fmt.Printf("%d dead-letter event(s)\n", len(records))
	return nil
}

func dlqRetry(ctx context.Context, ledger store.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("dlq-retry requires exactly one event id")
	}

	if err := ledger.DLQRetry(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Event %s moved back to pending.\n", args[0])
	return nil
}

func replay(ctx context.Context, ledger store.Store, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	startFlag := fs.String("start", "", "Range start, RFC 3339 (default: 24h ago)")
	endFlag := fs.String("end", "", "Range end, RFC 3339, exclusive (default: now)")
	typesFlag := fs.String("types", "", "Comma-separated event types (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()
	if *startFlag != "" {
		t, err := time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			return fmt.Errorf("invalid -start: %w", err)
		}
		start = t
	}
	if *endFlag != "" {
		t, err := time.Parse(time.RFC3339, *endFlag)
		if err != nil {
			return fmt.Errorf("invalid -end: %w", err)
		}
		end = t
	}

	var types []string
	if *typesFlag != "" {
		types = strings.Split(*typesFlag, ",")
	}

	count := 0
	err := ledger.Replay(ctx, start, end, types, func(evt events.Event) error {
		count++
		fmt.Printf("[%s] %s  %-20s  source=%s\n",
			evt.Timestamp.Format(time.RFC3339), evt.ID, evt.Type, evt.Source)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d event(s)\n", count)
	return nil
}

func publish(ctx context.Context, ledger store.Store, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	eventType := fs.String("type", "", "Event type (required)")
	source := fs.String("source", "relay-admin", "Event source")
	payloadFlag := fs.String("payload", "", "JSON payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *eventType == "" {
		return fmt.Errorf("-type is required")
	}

	var payload any
	if *payloadFlag != "" {
		if err := json.Unmarshal([]byte(*payloadFlag), &payload); err != nil {
			return fmt.Errorf("invalid -payload: %w", err)
		}
	}

	evt, err := events.New(*eventType, *source, payload)
	if err != nil {
		return err
	}
	if err := ledger.Publish(ctx, evt); err != nil {
		return err
	}
	fmt.Printf("Published event %s\n", evt.ID)
	return nil
}
