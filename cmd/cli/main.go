package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/orcastack/filewire/config"
	"github.com/orcastack/filewire/internal/progress"
	"github.com/orcastack/filewire/internal/publisher"
	"github.com/orcastack/filewire/internal/statestore"
	"github.com/orcastack/filewire/internal/subscriber"
	"github.com/orcastack/filewire/internal/transport"
	"github.com/orcastack/filewire/pkg/env"
	"github.com/orcastack/filewire/pkg/logging"
)

func main() {

	env.LoadEnv()
	logging.InitLogger(env.GetEnv("FILEWIRE_DEBUG", "") != "")
	config.LoadConfig(".")

	app := &cli.App{
		Name:  "filewire",
		Usage: "Reliable chunked file transfer over publish/subscribe",
		Commands: []*cli.Command{
			{
				Name:  "demo",
				Usage: "Send a file to an in-process receiver over the loopback bus",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Required: true, Usage: "File to transfer"},
					&cli.StringFlag{Name: "output", Usage: "Destination directory"},
					&cli.Int64Flag{Name: "chunk-size", Usage: "Chunk size in bytes (0 = derive)"},
					&cli.BoolFlag{Name: "compress", Usage: "lz4-compress chunk payloads"},
					&cli.DurationFlag{Name: "timeout", Value: 2 * time.Minute},
				},
				Action: runDemo,
			},
			{
				Name:   "status",
				Usage:  "Show durable transfer state",
				Action: runStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

// runDemo wires a publisher and a receiver to the in-process bus. Broker
// transports plug in below the Transport interface and are configured
// outside this tool.
func runDemo(c *cli.Context) error {
	cfg := config.Config
	outputDir := c.String("output")
	if outputDir == "" {
		outputDir = cfg.OutputDir
	}
	chunkSize := c.Int64("chunk-size")
	if chunkSize == 0 {
		chunkSize = cfg.ChunkSize
	}

	store, err := statestore.OpenBadgerStore(cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := transport.NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	tracker := progress.NewTracker()
	receiver := subscriber.NewReceiver(bus, store, subscriber.Options{
		Namespace:      cfg.Namespace,
		OutputDir:      outputDir,
		StatusInterval: time.Duration(cfg.StatusInterval) * time.Second,
		StallIntervals: cfg.StallIntervals,
		MissingCap:     cfg.MissingCap,
		Logger:         logging.Log,
		Progress:       tracker,
	})
	if err := receiver.Start(ctx); err != nil {
		return err
	}

	session := publisher.New(bus, store, publisher.Options{
		Namespace: cfg.Namespace,
		ChunkSize: chunkSize,
		Compress:  c.Bool("compress") || cfg.Compression,
		Logger:    logging.Log,
	})
	fileID, err := session.Send(ctx, c.String("file"))
	if err != nil {
		return err
	}

	for session.State() != publisher.StateAcked {
		select {
		case <-ctx.Done():
			return fmt.Errorf("transfer %s did not complete: %v", fileID, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	logging.Log.Infof("🚀 Transfer %s complete", fileID)
	return nil
}

func runStatus(c *cli.Context) error {
	store, err := statestore.OpenBadgerStore(config.Config.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListSubscribers()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}
	for _, rec := range records {
		total := 0
		name := "(awaiting manifest)"
		if rec.Manifest != nil {
			total = rec.Manifest.TotalChunks
			name = rec.Manifest.Name
		}
		fmt.Printf("%s  %s  %d/%d chunks  acked=%v\n", rec.FileID, name, len(rec.Received), total, rec.Acked)
	}
	return nil
}
