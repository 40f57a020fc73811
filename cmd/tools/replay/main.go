package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"fabric/internal/bus"
	"fabric/internal/pack"
	"fabric/internal/recorder"
	"fabric/internal/sink"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"
)

func main() {
	dir := flag.String("dir", "tape", "tape directory")
	prefix := flag.String("prefix", "", "tape file prefix (default: events)")
	speed := flag.Float64("speed", 0, "playback speed (1=real-time, 0=no pacing)")
	fromSeq := flag.Uint64("from", 0, "skip events before this sequence number")
	noChecksum := flag.Bool("no-checksum", false, "disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "max payload size in bytes (0=unlimited)")
	account := flag.String("account", "", "only events of this account")
	level := flag.String("level", "", "only event logs at or above this level (debug, info, warn, error)")
	asJSON := flag.Bool("json", false, "print one JSON object per event")
	flag.Parse()

	minLevel, filterLevel := parseLevel(*level)

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		Speed:           *speed,
		FromSeq:         *fromSeq,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		fatalf("playback init failed: %v", err)
	}

	var printed int
	err = pb.Run(context.Background(), func(e bus.Event) error {
		view := sink.NewEventView(e)
		if *account != "" && view.Account != *account {
			return nil
		}
		if filterLevel {
			ev, ok := e.Message.(pack.EventLog)
			if !ok || ev.Level < minLevel {
				return nil
			}
		}
		printed++
		if *asJSON {
			line, err := sonic.ConfigFastest.MarshalToString(view)
			if err != nil {
				return err
			}
			fmt.Println(line)
			return nil
		}
		fmt.Printf("%06d seq=%d conn=%d type=%s recv=%s size=%d\n",
			printed, view.Seq, view.ConnID, view.Type, view.RecvAt.Format(pack.TimestampLayout), view.Size)
		if view.Description != "" || view.Account != "" {
			fmt.Printf("  level=%s app=%s account=%s %s\n", view.Level, view.App, view.Account, view.Description)
		}
		return nil
	})
	if err != nil {
		fatalf("playback run failed: %v", err)
	}
}

func parseLevel(s string) (pack.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return pack.LevelDebug, true
	case "info":
		return pack.LevelInfo, true
	case "warn":
		return pack.LevelWarn, true
	case "error":
		return pack.LevelError, true
	default:
		return pack.LevelDebug, false
	}
}

func fatalf(format string, args ...any) {
	logs.Errorf(format, args...)
	os.Exit(1)
}
