package main

import (
	"bufio"
	"flag"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"fabric/internal/config"
	"fabric/internal/marketdata"
	"fabric/pkg/shmq"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("mdpub: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file (yaml or json)")
	input := flag.String("input", "", "JSON-lines quote file, - for stdin; empty publishes synthetic quotes")
	symbol := flag.String("symbol", "BTCUSDT", "symbol of synthetic quotes")
	rate := flag.Duration("rate", 10*time.Millisecond, "interval between synthetic quotes")
	count := flag.Int("count", 0, "stop after this many quotes (0 = until shutdown)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	q, err := shmq.Attach[marketdata.Quote](cfg.Snapshot.Capacity, cfg.Snapshot.Key,
		shmq.WithDir(cfg.Snapshot.Dir),
		shmq.WithLockMemory(cfg.Snapshot.LockMemory),
	)
	if err != nil {
		return err
	}
	defer q.Close()

	pub, err := marketdata.NewPublisher(q)
	if err != nil {
		return err
	}
	logs.Infof("mdpub: segment %s capacity %d, next seq %d", q.Path(), q.Capacity(), pub.NextSeq())

	if *input != "" {
		return publishLines(pub, *input, *count)
	}
	return publishSynthetic(pub, *symbol, *rate, *count)
}

func publishLines(pub *marketdata.Publisher, path string, limit int) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	published := 0
	for scanner.Scan() {
		select {
		case <-sys.Shutdown():
			return nil
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		in, err := marketdata.ParseQuoteInput(line)
		if err != nil {
			logs.Warnf("mdpub: skip line, err: %+v", err)
			continue
		}
		quote, err := in.Quote()
		if err != nil {
			logs.Warnf("mdpub: skip %s, err: %+v", in.Symbol, err)
			continue
		}
		if _, err := pub.Publish(quote); err != nil {
			return err
		}
		published++
		if limit > 0 && published >= limit {
			break
		}
	}
	logs.Infof("mdpub: published %d quotes", published)
	return scanner.Err()
}

func publishSynthetic(pub *marketdata.Publisher, symbol string, rate time.Duration, limit int) error {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	mid := decimal.NewFromInt(100)
	tick := decimal.RequireFromString("0.01")
	published := 0
	for {
		select {
		case <-sys.Shutdown():
			logs.Infof("mdpub: published %d quotes", published)
			return nil
		case now := <-ticker.C:
			mid = mid.Add(tick.Mul(decimal.NewFromInt(int64(rand.IntN(5) - 2))))
			quote := marketdata.Quote{
				Symbol:         marketdata.NewSymbol(symbol),
				BidPrice:       marketdata.ToScaled(mid.Sub(tick)),
				BidSize:        marketdata.ToScaled(decimal.NewFromInt(int64(1 + rand.IntN(10)))),
				AskPrice:       marketdata.ToScaled(mid.Add(tick)),
				AskSize:        marketdata.ToScaled(decimal.NewFromInt(int64(1 + rand.IntN(10)))),
				LastPrice:      marketdata.ToScaled(mid),
				ExchangeTsNano: now.UnixNano(),
			}
			if _, err := pub.Publish(quote); err != nil {
				return err
			}
			published++
			if limit > 0 && published >= limit {
				logs.Infof("mdpub: published %d quotes", published)
				return nil
			}
		}
	}
}
