package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"fabric/internal/pack"
	"fabric/pkg/uds"

	"github.com/yanun0323/logs"
)

func main() {
	network := flag.String("network", "tcp", "tcp or unix")
	addr := flag.String("addr", "127.0.0.1:7100", "server address or socket path")
	account := flag.String("account", "ACC1", "login account")
	credential := flag.String("credential", "", "login credential")
	clientType := flag.String("client-type", "tool", "declared client type")
	correlation := flag.String("correlation", "", "client correlation id")
	count := flag.Int("count", 3, "heartbeats to send after login")
	interval := flag.Duration("interval", 100*time.Millisecond, "gap between heartbeats")
	linger := flag.Duration("linger", 500*time.Millisecond, "wait for replies before closing")
	flag.Parse()

	conn, err := dial(*network, *addr)
	if err != nil {
		fatalf("dial %s %s failed: %v", *network, *addr, err)
	}
	defer conn.Close()

	go readReplies(conn)

	send(conn, pack.Login{
		Account:       pack.NewStr16(*account),
		Credential:    pack.NewStr32(*credential),
		ClientType:    pack.NewStr16(*clientType),
		CorrelationID: pack.NewStr32(*correlation),
	})
	for i := 0; i < *count; i++ {
		time.Sleep(*interval)
		send(conn, pack.Opaque{Kind: pack.MessageHeartbeat, Data: []byte(fmt.Sprintf("hb-%d", i))})
	}
	time.Sleep(*linger)
}

func send(conn net.Conn, msg pack.Message) {
	buf, err := pack.AppendMessageFrame(nil, msg, pack.DefaultMaxPayload)
	if err != nil {
		fatalf("encode %s failed: %v", msg.Type(), err)
	}
	if _, err := conn.Write(buf); err != nil {
		fatalf("send %s failed: %v", msg.Type(), err)
	}
	fmt.Printf("sent %s (%d bytes)\n", msg.Type(), len(buf))
}

func readReplies(conn net.Conn) {
	fr := pack.NewFrameReader(conn, pack.MaxPayloadLimit)
	for {
		payload, err := fr.Next()
		if err != nil {
			return
		}
		msg, err := pack.Decode(payload)
		if err != nil {
			fmt.Printf("recv undecodable payload (%d bytes): %v\n", len(payload), err)
			continue
		}
		fmt.Printf("recv %s (%d bytes)\n", msg.Type(), len(payload))
	}
}

func dial(network, addr string) (net.Conn, error) {
	if network != "unix" {
		return net.DialTimeout(network, addr, 5*time.Second)
	}
	client, err := uds.NewClient(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.DialRetry(ctx, 200*time.Millisecond)
}

func fatalf(format string, args ...any) {
	logs.Errorf(format, args...)
	os.Exit(1)
}
