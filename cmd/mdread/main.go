package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"fabric/internal/config"
	"fabric/internal/marketdata"
	"fabric/pkg/shmq"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("mdread: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file (yaml or json)")
	index := flag.Int("index", -1, "read one slot by index and exit")
	latest := flag.Bool("latest", false, "print the latest quote and exit")
	interval := flag.Duration("interval", time.Millisecond, "poll interval when following")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	q, err := shmq.Attach[marketdata.Quote](cfg.Snapshot.Capacity, cfg.Snapshot.Key, shmq.WithDir(cfg.Snapshot.Dir))
	if err != nil {
		return err
	}
	defer q.Close()

	if *index >= 0 {
		var quote marketdata.Quote
		if !q.Read(*index, &quote) {
			return errors.Errorf("slot %d not readable (capacity %d, cursor %d)", *index, q.Capacity(), q.Cursor())
		}
		printQuote(quote)
		return nil
	}

	follower, err := marketdata.NewFollower(q, *interval)
	if err != nil {
		return err
	}
	if *latest {
		quote, ok := follower.Latest()
		if !ok {
			return errors.Errorf("nothing published in %s", q.Path())
		}
		printQuote(quote)
		return nil
	}

	if quote, ok := follower.Latest(); ok {
		follower.Skip(quote.Seq - 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sys.Shutdown()
		cancel()
	}()
	_ = follower.Follow(ctx, printQuote)
	logs.Infof("mdread: last seq %d, missed %d", follower.LastSeq(), follower.Missed())
	return nil
}

func printQuote(q marketdata.Quote) {
	fmt.Printf("seq=%d %s bid=%s x %s ask=%s x %s last=%s mid=%s exch=%s\n",
		q.Seq, q.Symbol, q.Bid(), q.BidQty(), q.Ask(), q.AskQty(), q.Last(), q.Mid(),
		q.ExchangeTime().UTC().Format(time.RFC3339Nano))
}
