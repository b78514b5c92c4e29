package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-lab/convai-bridge/internal/audio"
)

var errBadPacket = errors.New("corrupt opus packet")

// badPacket makes fakeDecoder fail.
var badPacket = []byte{0xEE, 0xEE}

type fakeSub struct {
	ch chan []byte

	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeSub() *fakeSub { return &fakeSub{ch: make(chan []byte, 256)} }

func (f *fakeSub) Packets() <-chan []byte { return f.ch }

func (f *fakeSub) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSub) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSub) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// end closes the packet stream the way a platform would.
func (f *fakeSub) end(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.ch)
}

type fakeSink struct {
	mu       sync.Mutex
	writes   [][]byte
	total    int
	playing  bool
	flushes  int
	closes   int
	writeErr error
	closeErr error
	panicky  bool
	// onWrite runs on the writer's goroutine after each recorded write.
	onWrite func()
}

func (f *fakeSink) Write(pcm []byte) error {
	f.mu.Lock()
	if f.writeErr != nil {
		f.mu.Unlock()
		return f.writeErr
	}
	f.writes = append(f.writes, pcm)
	f.total += len(pcm)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeSink) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeSink) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	f.playing = false
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	f.closes++
	panicky, err := f.panicky, f.closeErr
	f.mu.Unlock()
	if panicky {
		panic("sink exploded")
	}
	return err
}

func (f *fakeSink) setPlaying(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = v
}

func (f *fakeSink) totalBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeSink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeSink) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func (f *fakeSink) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func (f *fakeSink) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeChannel struct {
	ready chan struct{}
	sink  *fakeSink

	mu     sync.Mutex
	subs   []*fakeSub
	subErr error
}

func newFakeChannel() *fakeChannel {
	ch := &fakeChannel{ready: make(chan struct{}), sink: &fakeSink{}}
	close(ch.ready)
	return ch
}

func (f *fakeChannel) WaitReady(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeChannel) Subscribe(userID string) (AudioSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeChannel) Playback() (PlaybackSink, error) { return f.sink, nil }

func (f *fakeChannel) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeChannel) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// fakeDecoder passes packets through as PCM.
type fakeDecoder struct{ closed atomic.Bool }

func (d *fakeDecoder) Decode(pkt []byte) ([]byte, error) {
	if len(pkt) == len(badPacket) && pkt[0] == badPacket[0] {
		return nil, errBadPacket
	}
	return pkt, nil
}

func (d *fakeDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

type decoderCounter struct{ n atomic.Int32 }

func (c *decoderCounter) factory(channels int) (Decoder, error) {
	c.n.Add(1)
	return &fakeDecoder{}, nil
}

// stereoPacket is 20 ms of 48 kHz stereo PCM at a constant level.
func stereoPacket(level int16) []byte {
	s := make([]int16, audio.FrameSamples*2)
	for i := range s {
		s[i] = level
	}
	return audio.Int16ToBytes(s)
}

// fakeAgent is a websocket server standing in for the conversational API.
type fakeAgent struct {
	t        *testing.T
	srv      *httptest.Server
	reject   atomic.Bool
	requests atomic.Int32
	pings    atomic.Int32
	// mute counts pings without answering them.
	mute atomic.Bool

	mu      sync.Mutex
	conns   []*websocket.Conn
	texts   []string
	headers []http.Header
	queries []string
	closes  int
}

func newFakeAgent(t *testing.T) *fakeAgent {
	a := &fakeAgent{t: t}
	up := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.requests.Add(1)
		if a.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.SetPingHandler(func(data string) error {
			a.pings.Add(1)
			if !a.mute.Load() {
				_ = c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			}
			return nil
		})
		a.mu.Lock()
		a.conns = append(a.conns, c)
		a.headers = append(a.headers, r.Header.Clone())
		a.queries = append(a.queries, r.URL.RawQuery)
		a.mu.Unlock()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					a.mu.Lock()
					a.closes++
					a.mu.Unlock()
				}
				return
			}
			if mt == websocket.TextMessage {
				a.mu.Lock()
				a.texts = append(a.texts, string(data))
				a.mu.Unlock()
			}
		}
	}))
	t.Cleanup(a.srv.Close)
	t.Cleanup(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, c := range a.conns {
			_ = c.Close()
		}
	})
	return a
}

func (a *fakeAgent) url() string { return "ws" + strings.TrimPrefix(a.srv.URL, "http") }

func (a *fakeAgent) connCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *fakeAgent) conn(i int) *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[i]
}

func (a *fakeAgent) received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func (a *fakeAgent) normalCloses() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closes
}

func (a *fakeAgent) send(i int, payload string) {
	a.t.Helper()
	if err := a.conn(i).WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		a.t.Fatalf("agent write: %v", err)
	}
}
