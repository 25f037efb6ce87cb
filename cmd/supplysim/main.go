package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ethsupply/supplysim"
	"github.com/ethsupply/supplysim/tracker"
)

func main() {
	app := &cli.App{
		Name:  "supplysim",
		Usage: "Generate and track synthetic per-block supply data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log.level",
				Value: "info",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Before: func(ctx *cli.Context) error {
			initLogging(ctx.String("log.level"))
			return nil
		},
		Commands: []*cli.Command{
			generateCommand(),
			trackCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Write a mock supply JSONL fixture",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out.file",
				Value: "./mock.jsonl",
				Usage: "File to write generated supply records to",
			},
			&cli.StringFlag{
				Name:  "shape",
				Value: "issuance",
				Usage: "Record shape to emit (issuance or flat)",
			},
			&cli.Uint64Flag{
				Name:  "start.block",
				Value: 0,
				Usage: "First block number to emit",
			},
			&cli.Uint64Flag{
				Name:  "max.block",
				Value: 100,
				Usage: "Stop before this block number (0 means unbounded, streaming mode only)",
			},
			&cli.Int64Flag{
				Name:  "placeholder.amount",
				Value: 1,
				Usage: "Constant value for numeric filler fields",
			},
			&cli.BoolFlag{
				Name:  "random.amounts",
				Usage: "Randomize numeric filler fields instead of using the placeholder",
			},
			&cli.DurationFlag{
				Name:  "rate",
				Value: 0,
				Usage: "Emit interval for streaming mode (0 generates the whole range at once)",
			},
			&cli.IntFlag{
				Name:  "records-per-tick",
				Value: 10,
				Usage: "Records emitted per batch",
			},
			&cli.Float64Flag{
				Name:  "reorg.probability",
				Value: 0.0,
				Usage: "Probability of a reorg being injected per batch (default: disabled)",
			},
			&cli.IntFlag{
				Name:  "reorg.depth.min",
				Value: 3,
				Usage: "Minimum depth for injected reorgs",
			},
			&cli.IntFlag{
				Name:  "reorg.depth.max",
				Value: 6,
				Usage: "Maximum depth for injected reorgs",
			},
			&cli.Int64Flag{
				Name:  "rotate.bytes",
				Value: 0,
				Usage: "Rotate the output file once it grows past this size (0 disables rotation)",
			},
		},
		Action: runGenerate,
	}
}

func runGenerate(ctx *cli.Context) error {
	shape, err := supplysim.ParseRecordShape(ctx.String("shape"))
	if err != nil {
		return err
	}

	rate := ctx.Duration("rate")
	maxBlock := ctx.Uint64("max.block")
	if rate == 0 && maxBlock == 0 {
		return fmt.Errorf("one-shot generation requires max.block > 0")
	}

	out, err := supplysim.NewJSONLWriter(ctx.String("out.file"), ctx.Int64("rotate.bytes"))
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	config := &supplysim.MockSupplyGeneratorConfig{
		Shape:             shape,
		StartBlockNum:     ctx.Uint64("start.block"),
		MaxBlockNum:       maxBlock,
		PlaceholderAmount: big.NewInt(ctx.Int64("placeholder.amount")),
		RandomAmounts:     ctx.Bool("random.amounts"),
		AutoEmit:          rate > 0,
		EmitRate:          rate,
		RecordsPerTick:    ctx.Int("records-per-tick"),
		ReorgProbability:  ctx.Float64("reorg.probability"),
		ReorgDepthMin:     ctx.Int("reorg.depth.min"),
		ReorgDepthMax:     ctx.Int("reorg.depth.max"),
	}

	gen, err := supplysim.NewMockSupplyGenerator(config, out)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	if rate == 0 {
		return generateAll(gen, ctx.Int("records-per-tick"))
	}

	return generateStreaming(ctx.Context, gen)
}

// generateAll emits the whole configured range in batches. Batching keeps
// reorg injection working, which draws once per batch.
func generateAll(gen *supplysim.MockSupplyGenerator, batchSize int) error {
	for {
		_, err := gen.GenRecords(batchSize, nil)
		if errors.Is(err, supplysim.ErrLimitReached) {
			gen.PrintStatus()
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func generateStreaming(ctx context.Context, gen *supplysim.MockSupplyGenerator) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			slog.Info("Received shutdown signal, stopping generation...")
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	g.Go(func() error {
		if err := gen.Run(ctx); err != nil {
			return fmt.Errorf("failed to run generator: %w", err)
		}

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if !gen.IsRunning() {
					// Block limit reached, shut the group down.
					return context.Canceled
				}
				gen.PrintStatus()
			}
		}
	})

	err := g.Wait()
	_ = gen.Stop(context.Background())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	gen.PrintStatus()
	return nil
}

func trackCommand() *cli.Command {
	return &cli.Command{
		Name:  "track",
		Usage: "Parse a supply JSONL stream and expose the running totals",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "supply.file",
				Value: "supply.jsonl",
				Usage: "File to read supply data from, including its rotated segments",
			},
			&cli.StringFlag{
				Name:  "state.file",
				Value: "state.json",
				Usage: "File to store the latest state for subsequent runs",
			},
			&cli.IntFlag{
				Name:  "api.port",
				Value: 8080,
				Usage: "Port to expose the latest state on",
			},
			&cli.BoolFlag{
				Name:  "fresh",
				Usage: "Discard any persisted state and start over",
			},
		},
		Action: runTrack,
	}
}

func runTrack(ctx *cli.Context) error {
	supplyFile := ctx.String("supply.file")
	stateFile := ctx.String("state.file")

	if ctx.Bool("fresh") {
		slog.Info("Removing existing state file", "file", stateFile)
		os.Remove(stateFile)
	}

	state := tracker.NewState()

	resumeAfter, err := state.Load(stateFile)
	if err != nil {
		slog.Info("Starting without persisted state", "reason", err)
	}

	g, runCtx := errgroup.WithContext(ctx.Context)
	runCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	events, err := tracker.StreamRecords(runCtx, supplyFile, resumeAfter, true)
	if err != nil {
		return fmt.Errorf("failed to open supply stream: %w", err)
	}

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			slog.Info("Received shutdown signal, exiting...")
			cancel()
			return context.Canceled
		case <-runCtx.Done():
			return runCtx.Err()
		}
	})

	g.Go(func() error {
		for event := range events {
			switch {
			case event.Err != nil:
				return event.Err
			case event.Record != nil:
				if err := state.Apply(*event.Record); err != nil {
					slog.Error("Skipping supply record", "error", err)
				}
			case event.ParsedFile != "":
				if err := state.Save(stateFile, event.ParsedFile); err != nil {
					slog.Error("Failed to persist state", "error", err)
				}
			}
		}
		return nil
	})

	g.Go(func() error {
		return tracker.ServeAPI(runCtx, fmt.Sprintf(":%d", ctx.Int("api.port")), state)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
