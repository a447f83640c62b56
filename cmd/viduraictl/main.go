// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// viduraictl is the operator CLI for the vidurai daemon: liveness
// checks, manual event submission, history queries, statistics, and a
// live event watch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/vidurai-project/vidurai/archive"
	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/ipc"
	"github.com/vidurai-project/vidurai/lib/config"
	"github.com/vidurai-project/vidurai/lib/version"
)

const usage = `viduraictl - control the vidurai daemon

Usage:
  viduraictl <command> [flags]

Commands:
  ping     check that the daemon is alive
  send     submit an event
  query    query archived events
  stats    show pipeline and storage statistics
  watch    stream stabilized events as they are emitted
  version  print the version

Run "viduraictl <command> --help" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ping":
		err = runPing(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "version":
		fmt.Printf("viduraictl %s\n", version.Info())
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// commonFlags returns a flag set pre-populated with the flags every
// subcommand shares.
func commonFlags(name string) (*flag.FlagSet, *string, *time.Duration) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	socketPath := flags.String("socket", config.DefaultSocketPath(), "daemon socket path")
	timeout := flags.Duration("timeout", 5*time.Second, "request timeout")
	return flags, socketPath, timeout
}

func dial(socketPath string) (*ipc.Client, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	return client, nil
}

func runPing(arguments []string) error {
	flags, socketPath, timeout := commonFlags("ping")
	flags.Parse(arguments)

	client, err := dial(*socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	latency, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pong (%s)\n", latency.Round(time.Microsecond))
	return nil
}

func runSend(arguments []string) error {
	flags, socketPath, timeout := commonFlags("send")
	eventType := flags.String("type", "file_edit", "event type")
	file := flags.String("file", "", "file path the event concerns")
	project := flags.String("project", "", "project identifier")
	session := flags.String("session", "", "session identifier")
	data := flags.String("data", "", "JSON object for the event data field")
	flags.Parse(arguments)

	envelope := &event.Envelope{
		Type:      *eventType,
		File:      *file,
		Project:   *project,
		SessionID: *session,
	}
	if *data != "" {
		if err := json.Unmarshal([]byte(*data), &envelope.Data); err != nil {
			return fmt.Errorf("parsing --data: %w", err)
		}
	}

	client, err := dial(*socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := client.SendEvent(ctx, envelope); err != nil {
		return err
	}
	fmt.Println("event submitted")
	return nil
}

func runQuery(arguments []string) error {
	flags, socketPath, timeout := commonFlags("query")
	eventTypes := flags.StringSlice("type", nil, "event types to include (repeatable)")
	project := flags.String("project", "", "restrict to one project")
	since := flags.Duration("since", 0, "only events newer than this (e.g. 24h)")
	limit := flags.Int("limit", 100, "maximum results (0 = unlimited)")
	asJSON := flags.Bool("json", false, "emit NDJSON instead of the table")
	flags.Parse(arguments)

	options := archive.QueryOptions{
		EventTypes: *eventTypes,
		Project:    *project,
		Limit:      *limit,
	}
	if *since > 0 {
		options.StartTime = float64(time.Now().Add(-*since).UnixNano()) / float64(time.Second)
	}

	client, err := dial(*socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	results, err := client.Query(ctx, options)
	if err != nil {
		return err
	}

	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		for _, envelope := range results {
			if err := encoder.Encode(envelope); err != nil {
				return err
			}
		}
		return nil
	}
	for _, envelope := range results {
		printEvent(envelope, 0)
	}
	fmt.Printf("%d event(s)\n", len(results))
	return nil
}

func runStats(arguments []string) error {
	flags, socketPath, timeout := commonFlags("stats")
	asJSON := flags.Bool("json", false, "emit JSON")
	flags.Parse(arguments)

	client, err := dial(*socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}

	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(stats)
	}

	fmt.Printf("uptime: %s\n", (time.Duration(stats.Uptime * float64(time.Second))).Round(time.Second))
	fmt.Println("pipeline:")
	fmt.Printf("  received:      %d\n", stats.Stabilizer.Received)
	fmt.Printf("  processed:     %d\n", stats.Stabilizer.Processed)
	fmt.Printf("  filtered:      %d\n", stats.Stabilizer.Filtered)
	fmt.Printf("  debounced:     %d\n", stats.Stabilizer.Debounced)
	fmt.Printf("  deduplicated:  %d\n", stats.Stabilizer.Deduplicated)
	fmt.Printf("  rate limited:  %d\n", stats.Stabilizer.RateLimited)
	fmt.Println("storage:")
	fmt.Printf("  hot:  %d event(s) in %d file(s), %d bytes\n",
		stats.Archive.HotEvents, stats.Archive.HotFiles, stats.Archive.HotSizeBytes)
	fmt.Printf("  cold: %d event(s) in %d partition(s), %d bytes\n",
		stats.Archive.ColdEvents, stats.Archive.ColdFiles, stats.Archive.ColdSizeBytes)
	return nil
}

func runWatch(arguments []string) error {
	flags, socketPath, timeout := commonFlags("watch")
	eventTypes := flags.StringSlice("type", nil, "event types to watch (repeatable, default all)")
	replay := flags.Int("replay", 0, "push up to N recent events before live delivery")
	asJSON := flags.Bool("json", false, "emit NDJSON instead of the table")
	flags.Parse(arguments)

	client, err := dial(*socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	encoder := json.NewEncoder(os.Stdout)
	client.OnPush(func(message *ipc.Message) {
		if message.Type != ipc.TypeEvent {
			return
		}
		var pushed ipc.PushedEvent
		if err := message.DecodeData(&pushed); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return
		}
		if *asJSON {
			encoder.Encode(pushed)
			return
		}
		printEvent(&pushed.Envelope, pushed.DebounceCount)
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = client.Subscribe(ctx, *eventTypes, *replay)
	cancel()
	if err != nil {
		return err
	}

	// Stream until interrupted or the daemon goes away.
	interrupted, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-interrupted.Done():
		return nil
	case <-client.Done():
		return fmt.Errorf("connection to daemon lost")
	}
}

func printEvent(envelope *event.Envelope, debounceCount int) {
	timestamp := envelope.Time().Local().Format("15:04:05.000")
	line := fmt.Sprintf("%s  %-12s", timestamp, envelope.Type)
	if envelope.File != "" {
		line += "  " + envelope.File
	}
	if envelope.Project != "" {
		line += "  [" + envelope.Project + "]"
	}
	if debounceCount > 1 {
		line += fmt.Sprintf("  (x%d)", debounceCount)
	}
	fmt.Println(line)
}
