package sink

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fabric/internal/bus"
	"fabric/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultFeedClientBuffer = 256
	defaultFeedReplay       = 1024
	defaultFeedWriteTimeout = 2 * time.Second
)

// FeedConfig sizes the live event feed.
type FeedConfig struct {
	// ClientBuffer is how many events may wait for one subscriber before it
	// is disconnected as too slow.
	ClientBuffer int
	// Replay is how many recent events a subscriber can ask for with ?since=.
	Replay       int
	WriteTimeout time.Duration
}

// Feed streams events as JSON text frames to websocket subscribers.
// Subscribers may filter with ?account= and resume with ?since=<seq>.
type Feed struct {
	cfg      FeedConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	replay  *replayBuffer
	closed  bool
}

type feedClient struct {
	conn    *websocket.Conn
	send    chan []byte
	account string
}

type feedEntry struct {
	seq     uint64
	account string
	data    []byte
}

func NewFeed(cfg FeedConfig) *Feed {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaultFeedClientBuffer
	}
	if cfg.Replay <= 0 {
		cfg.Replay = defaultFeedReplay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultFeedWriteTimeout
	}
	return &Feed{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*feedClient]struct{}),
		replay:  newReplayBuffer(cfg.Replay),
	}
}

func (f *Feed) Name() string { return "feed" }

// Handle broadcasts e. A subscriber whose buffer is full is dropped.
func (f *Feed) Handle(_ context.Context, e bus.Event) error {
	view := NewEventView(e)
	data, err := sonic.ConfigFastest.Marshal(view)
	if err != nil {
		return errors.Wrap(err, "marshal event").With("seq", e.Seq)
	}
	entry := feedEntry{seq: e.Seq, account: view.Account, data: data}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return exception.ErrFeedClosed
	}
	f.replay.add(entry)
	for c := range f.clients {
		if !c.wants(entry) {
			continue
		}
		select {
		case c.send <- data:
		default:
			logs.Warnf("feed: drop slow subscriber %s", c.conn.RemoteAddr())
			f.removeLocked(c)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and subscribes the connection.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "since must be a sequence number", http.StatusBadRequest)
			return
		}
		since = n
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		http.Error(w, exception.ErrFeedClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("feed: upgrade %s, err: %+v", r.RemoteAddr, err)
		return
	}

	c := &feedClient{conn: conn, account: r.URL.Query().Get("account")}
	if !f.subscribe(c, since) {
		_ = conn.Close()
		return
	}
	go f.writePump(c)
	f.readPump(c)
}

// subscribe queues the replay backlog and registers c in one step so no
// event is missed or sent twice.
func (f *Feed) subscribe(c *feedClient, since uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	var backlog [][]byte
	if since > 0 {
		for _, entry := range f.replay.since(since) {
			if c.wants(entry) {
				backlog = append(backlog, entry.data)
			}
		}
	}
	c.send = make(chan []byte, len(backlog)+f.cfg.ClientBuffer)
	for _, data := range backlog {
		c.send <- data
	}
	f.clients[c] = struct{}{}
	return true
}

func (f *Feed) writePump(c *feedClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(f.cfg.WriteTimeout))
}

// readPump discards client frames and notices the close.
func (f *Feed) readPump(c *feedClient) {
	defer f.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	f.removeLocked(c)
	f.mu.Unlock()
}

func (f *Feed) removeLocked(c *feedClient) {
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for c := range f.clients {
		f.removeLocked(c)
	}
}

func (c *feedClient) wants(entry feedEntry) bool {
	return c.account == "" || c.account == entry.account
}

// replayBuffer keeps the last N feed entries.
type replayBuffer struct {
	buf   []feedEntry
	start int
	count int
}

func newReplayBuffer(size int) *replayBuffer {
	return &replayBuffer{buf: make([]feedEntry, size)}
}

func (r *replayBuffer) add(entry feedEntry) {
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = entry
	r.count++
}

// since returns the entries with seq > seq, oldest first.
func (r *replayBuffer) since(seq uint64) []feedEntry {
	var out []feedEntry
	for i := 0; i < r.count; i++ {
		entry := r.buf[(r.start+i)%len(r.buf)]
		if entry.seq > seq {
			out = append(out, entry)
		}
	}
	return out
}
