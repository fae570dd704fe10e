// Package console owns the live console of the server process: the bounded
// log buffer, streaming subscribers and command injection.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/audit"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/metrics"
)

const (
	MinBufferSize           = 1000
	MaxBufferSize           = 5000
	DefaultBufferSize       = 2000
	DefaultSubscriberBuffer = 256

	maxLineBytes = 64 * 1024
)

var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrInvalidCommand = errors.New("command must be a single line")
	ErrQueryAborted   = errors.New("console closed before a reply arrived")
)

// StdinWriter writes one line to the server console.
type StdinWriter interface {
	WriteStdin(line string) error
}

// Options configures a Hub.
type Options struct {
	BufferSize       int
	SubscriberBuffer int
	Parser           *logparse.Parser
	Writer           StdinWriter
	Audit            audit.Recorder
}

// Hub ingests the console stream and fans it out to subscribers.
type Hub struct {
	parser  *logparse.Parser
	subBuf  int
	writer  StdinWriter
	auditor audit.Recorder

	mu     sync.RWMutex
	buf    *Buffer
	subs   map[uint64]*Subscription
	nextID uint64
	gen    uint64
	live   bool
	pid    int

	wg sync.WaitGroup
}

// New returns an idle Hub.
func New(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.Parser == nil {
		opts.Parser = logparse.New()
	}
	return &Hub{
		parser:  opts.Parser,
		subBuf:  opts.SubscriberBuffer,
		writer:  opts.Writer,
		auditor: opts.Audit,
		buf:     NewBuffer(opts.BufferSize),
		subs:    make(map[uint64]*Subscription),
	}
}

// SetWriter wires the stdin target after construction.
func (h *Hub) SetWriter(w StdinWriter) {
	h.mu.Lock()
	h.writer = w
	h.mu.Unlock()
}

// Attach starts ingesting the output of a newly spawned process. Subscribers
// opened from now on stay open until this stream ends.
func (h *Hub) Attach(pid int, r io.Reader) {
	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.live = true
	h.pid = pid
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.ingest(gen, r)
	}()
}

// Wait blocks until every ingest loop has finished.
func (h *Hub) Wait() { h.wg.Wait() }

// Live reports whether a process stream is being ingested.
func (h *Hub) Live() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

func (h *Hub) ingest(gen uint64, r io.Reader) {
	br := bufio.NewReaderSize(r, 16*1024)
	for {
		line, err := readLine(br)
		if strings.TrimSpace(line) != "" {
			h.publish(h.parser.Parse(logparse.StripANSI(line)))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("console read failed")
				_, _ = io.Copy(io.Discard, r)
			}
			break
		}
	}
	h.end(gen)
}

// readLine returns one line without its terminator, truncated to maxLineBytes.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		if room := maxLineBytes - len(buf); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			buf = append(buf, frag...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return strings.TrimRight(string(buf), "\r\n"), err
	}
}

func (h *Hub) publish(e logparse.Entry) {
	dropped := 0
	h.mu.Lock()
	e = h.buf.Append(e)
	for id, s := range h.subs {
		select {
		case s.ch <- e:
		default:
			delete(h.subs, id)
			s.dropped = true
			close(s.ch)
			s.finish()
			dropped++
		}
	}
	n := len(h.subs)
	h.mu.Unlock()

	metrics.IncConsoleEntries()
	for i := 0; i < dropped; i++ {
		metrics.IncConsoleDropped()
		log.Warn().Msg("console subscriber too slow, disconnected")
	}
	if dropped > 0 {
		metrics.SetConsoleSubscribers(n)
	}
}

// end closes the subscribers of stream gen once its process output is exhausted.
func (h *Hub) end(gen uint64) {
	h.mu.Lock()
	for id, s := range h.subs {
		if s.gen == gen {
			delete(h.subs, id)
			close(s.ch)
			s.finish()
		}
	}
	if h.gen == gen {
		h.live = false
		h.pid = 0
	}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetConsoleSubscribers(n)
}

// Subscription is a live console stream.
type Subscription struct {
	id      uint64
	gen     uint64
	ch      chan logparse.Entry
	hub     *Hub
	dropped bool // guarded by hub.mu
	once    sync.Once
	done    chan struct{}
}

// C yields the replayed entries followed by live ones. It is closed when the
// process stops, the subscriber falls behind, or the subscription is closed.
func (s *Subscription) C() <-chan logparse.Entry { return s.ch }

// Dropped reports whether the stream was cut because the reader fell behind.
func (s *Subscription) Dropped() bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.finish()
	s.hub.unsubscribe(s)
}

func (s *Subscription) finish() { s.once.Do(func() { close(s.done) }) }

// Subscribe replays the newest backfill entries and then streams new entries
// until ctx is done or the process stops. When nothing is running the replay
// is followed by the end of the stream.
func (h *Hub) Subscribe(ctx context.Context, backfill int) *Subscription {
	h.mu.Lock()
	replay := h.buf.Last(backfill)
	h.nextID++
	s := &Subscription{
		id:   h.nextID,
		gen:  h.gen,
		ch:   make(chan logparse.Entry, len(replay)+h.subBuf),
		hub:  h,
		done: make(chan struct{}),
	}
	for _, e := range replay {
		s.ch <- e
	}
	if !h.live {
		close(s.ch)
		h.mu.Unlock()
		s.finish()
		return s
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetConsoleSubscribers(n)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	if cur, ok := h.subs[s.id]; ok && cur == s {
		delete(h.subs, s.id)
		close(s.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetConsoleSubscribers(n)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
