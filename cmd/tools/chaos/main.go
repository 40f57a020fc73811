package main

import (
	"context"
	"flag"
	"os"

	"fabric/internal/bus"
	"fabric/internal/chaos"
	"fabric/internal/recorder"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logs.Errorf("chaos: %+v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("chaos", flag.ContinueOnError)
	inputDir := fs.String("input-dir", "tape", "Input tape directory")
	inputPrefix := fs.String("input-prefix", "", "Input tape file prefix (default: events)")
	outputDir := fs.String("output-dir", "tape_chaos", "Output tape directory")
	outputPrefix := fs.String("output-prefix", "chaos", "Output tape file prefix")
	seed := fs.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := fs.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := fs.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := fs.Int("reorder-window", 1, "Reorder window (>=1)")
	maxDelay := fs.Duration("max-delay", 0, "Max receive delay")
	noChecksum := fs.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := fs.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	keepSeq := fs.Bool("keep-seq", false, "Keep original sequence numbers instead of renumbering")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             *inputDir,
		FilePrefix:      *inputPrefix,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		return errors.Wrap(err, "playback init")
	}

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
		MaxDelay:      *maxDelay,
	})
	if err != nil {
		return errors.Wrap(err, "chaos config")
	}

	outCfg := recorder.DefaultConfig(*outputDir)
	outCfg.FilePrefix = *outputPrefix
	writer, err := recorder.NewWriter(outCfg)
	if err != nil {
		return errors.Wrap(err, "writer init")
	}
	ctx := context.Background()
	if err := writer.Start(ctx); err != nil {
		return errors.Wrap(err, "writer start")
	}

	var seq, in, out uint64
	emit := func(ev bus.Event) error {
		if !*keepSeq {
			seq++
			ev.Seq = seq
		}
		out++
		return writer.Append(ctx, ev)
	}
	err = pb.Run(ctx, func(ev bus.Event) error {
		in++
		for _, o := range engine.Process(ev) {
			if err := emit(o); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		for _, o := range engine.Flush() {
			if err = emit(o); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = writer.Close()
		return errors.Wrap(err, "chaos run")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "writer close")
	}
	logs.Infof("read %d events, wrote %d (dropped=%d duplicated=%d)", in, out, engine.Dropped(), engine.Duplicated())
	return nil
}
