package perso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/perso-ai/perso-interactive-go/pkg/live/channel"
	"github.com/perso-ai/perso-interactive-go/pkg/live/playback"
	"github.com/perso-ai/perso-interactive-go/pkg/live/protocol"
	"github.com/perso-ai/perso-interactive-go/pkg/live/state"
)

// stubConn is an in-memory channel.Conn for facade tests.
type stubConn struct {
	in chan []byte

	mu     sync.Mutex
	out    []protocol.Envelope
	closed bool

	done chan struct{}
	once sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{in: make(chan []byte, 32), done: make(chan struct{})}
}

func (c *stubConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *stubConn) WriteMessage(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.out = append(c.out, env)
	return nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *stubConn) push(t *testing.T, typ string, data any) {
	t.Helper()
	raw, err := protocol.Encode(typ, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.in <- raw
}

func (c *stubConn) sentOfType(typ string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.out {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (c *stubConn) waitForType(t *testing.T, typ string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if envs := c.sentOfType(typ); len(envs) > 0 {
			return envs[len(envs)-1]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %q frame sent", typ)
	return protocol.Envelope{}
}

type sessionFixture struct {
	client  *Client
	conn    *stubConn
	session *Session
	backend *httptest.Server
}

// newSessionFixture wires a Session over a stub conn and, optionally, an
// LLM backend handler.
func newSessionFixture(t *testing.T, llmHandler http.HandlerFunc, opts SessionOptions) *sessionFixture {
	t.Helper()

	var backend *httptest.Server
	apiServer := "http://unused.invalid"
	if llmHandler != nil {
		backend = httptest.NewServer(llmHandler)
		t.Cleanup(backend.Close)
		apiServer = backend.URL
	}

	client := NewClient(apiServer)
	conn := newStubConn()
	ch := channel.New(conn, channel.Config{
		PingInterval:      10 * time.Millisecond,
		PingTimeout:       time.Minute, // keep heartbeat out of the way
		ReadyPollInterval: time.Millisecond,
		ReadyMaxAttempts:  100,
	})
	ch.AttachStream(channel.Stream{ID: "video-0", Kind: "video"})

	if opts.Playback.FirstChunkGrace == 0 {
		opts.Playback = playback.Config{
			FirstChunkGrace: 30 * time.Millisecond,
			NextChunkGrace:  15 * time.Millisecond,
		}
	}

	sess, err := client.NewSession(context.Background(), "sess-1", ch, opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return &sessionFixture{client: client, conn: conn, session: sess, backend: backend}
}

func simpleLLMHandler(t *testing.T, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, successEvent("message", reply))
		writeEvent(t, w, successEvent("end", ""))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendTextRunsRoundAndSpeaksReply(t *testing.T) {
	fx := newSessionFixture(t, simpleLLMHandler(t, "Hi there"), SessionOptions{})

	fx.session.SendText("hello")

	env := fx.conn.waitForType(t, protocol.TypeTTSTF)
	var body protocol.TTSTF
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Message != "Hi there" {
		t.Fatalf("spoken = %q", body.Message)
	}

	waitFor(t, "history commit", func() bool { return len(fx.session.History()) == 2 })
	log := fx.session.ChatLog()
	if len(log) != 2 {
		t.Fatalf("chat log = %+v", log)
	}
	// Newest first: the assistant reply precedes the user entry.
	if log[0].Text != "Hi there" || log[0].IsUser {
		t.Fatalf("log[0] = %+v", log[0])
	}
	if log[1].Text != "hello" || !log[1].IsUser {
		t.Fatalf("log[1] = %+v", log[1])
	}
}

func TestSendTextBlankIsNoOp(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})
	fx.session.SendText("   \t ")
	if len(fx.session.ChatLog()) != 0 {
		t.Fatalf("chat log = %+v", fx.session.ChatLog())
	}
}

func TestSpeakStripsEmojiButKeepsRawHistory(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	fx.session.Speak("Welcome! \U0001F600")

	env := fx.conn.waitForType(t, protocol.TypeTTSTF)
	var body protocol.TTSTF
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Message != "Welcome!" {
		t.Fatalf("spoken = %q", body.Message)
	}
	hist := fx.session.History()
	if len(hist) != 1 || hist[0].Content != "Welcome! \U0001F600" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestSendExternalTextTouchesNothing(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	fx.session.SendExternalText("external reply")

	fx.conn.waitForType(t, protocol.TypeTTSTF)
	if len(fx.session.History()) != 0 || len(fx.session.ChatLog()) != 0 {
		t.Fatal("external text must not touch history or chat log")
	}
}

func TestTranscriptAutoRoutesIntoLLM(t *testing.T) {
	fx := newSessionFixture(t, simpleLLMHandler(t, "heard you"), SessionOptions{})

	fx.conn.push(t, protocol.TypeSTT, protocol.STT{Text: "voice input"})

	waitFor(t, "user chat log entry", func() bool {
		for _, entry := range fx.session.ChatLog() {
			if entry.IsUser && entry.Text == "voice input" {
				return true
			}
		}
		return false
	})
	fx.conn.waitForType(t, protocol.TypeTTSTF)
}

func TestTranscriptHandlerDisablesAutoRouting(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	got := make(chan string, 1)
	restore := fx.session.SetTranscriptHandler(func(text string) { got <- text })
	defer restore()

	fx.conn.push(t, protocol.TypeSTT, protocol.STT{Text: "raw transcript"})

	select {
	case text := <-got:
		if text != "raw transcript" {
			t.Fatalf("text = %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript handler not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	if len(fx.session.ChatLog()) != 0 {
		t.Fatal("transcript must not be auto-routed while a handler is set")
	}
}

func TestEmptyTranscriptIgnored(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	fx.conn.push(t, protocol.TypeSTT, protocol.STT{Text: ""})
	time.Sleep(20 * time.Millisecond)
	if len(fx.session.ChatLog()) != 0 {
		t.Fatal("empty transcript must be ignored")
	}
}

func TestSTFDrivesSpeakingState(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	states := make(chan state.Set, 16)
	unsub := fx.session.SubscribeChatStates(func(s state.Set) { states <- s })
	defer unsub()

	fx.conn.push(t, protocol.TypeSTF, protocol.STF{Message: "chunk", Duration: 10})

	waitFor(t, "speaking set", func() bool {
		return fx.session.states.Active().Has(state.Speaking)
	})
	waitFor(t, "speaking cleared after window", func() bool {
		return !fx.session.states.Active().Has(state.Speaking)
	})
}

func TestSTFClearsAnalyzing(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	fx.session.SendExternalText("say this")
	fx.conn.waitForType(t, protocol.TypeTTSTF)
	waitFor(t, "analyzing set", func() bool {
		return fx.session.states.Active().Has(state.Analyzing)
	})

	fx.conn.push(t, protocol.TypeSTF, protocol.STF{Message: "say this", Duration: 10})
	waitFor(t, "analyzing cleared", func() bool {
		return !fx.session.states.Active().Has(state.Analyzing)
	})
}

func TestVoiceCaptureStates(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	if err := fx.session.StartVoiceCapture(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !fx.session.states.Active().Has(state.Recording) {
		t.Fatal("recording not set")
	}
	fx.conn.waitForType(t, protocol.TypeRecordStart)

	if err := fx.session.StopVoiceCapture(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	active := fx.session.states.Active()
	if active.Has(state.Recording) || !active.Has(state.Analyzing) {
		t.Fatalf("states = %v", active.States())
	}
	fx.conn.waitForType(t, protocol.TypeRecordEndSTT)
}

func TestCancelPendingSpeechResetsEverything(t *testing.T) {
	release := make(chan struct{})
	fx := newSessionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, successEvent("message", "thinking"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		writeEvent(t, w, successEvent("end", ""))
	}, SessionOptions{})

	fx.session.SendText("question")
	fx.conn.waitForType(t, protocol.TypeTTSTF)

	// Cancellation is cooperative: the round observes the flag at the next
	// line boundary, so release the stream once cancel is in flight.
	cancelDone := make(chan error, 1)
	go func() { cancelDone <- fx.session.CancelPendingSpeech() }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case err := <-cancelDone:
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return")
	}
	fx.conn.waitForType(t, protocol.TypeClearBuffer)

	if len(fx.session.states.Active().States()) != 0 {
		t.Fatalf("states after cancel = %v", fx.session.states.Active().States())
	}
	if len(fx.session.History()) != 0 {
		t.Fatal("canceled round must not commit history")
	}
}

func TestCancelPendingSpeechIdleIsSafe(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})
	if err := fx.session.CancelPendingSpeech(); err != nil {
		t.Fatalf("cancel while idle: %v", err)
	}
}

func TestOnCloseDistinguishesManualFromFailure(t *testing.T) {
	t.Run("manual", func(t *testing.T) {
		fx := newSessionFixture(t, nil, SessionOptions{})
		got := make(chan bool, 1)
		fx.session.OnClose(func(manual bool) { got <- manual })
		fx.session.Close()
		select {
		case manual := <-got:
			if !manual {
				t.Fatal("graceful close must report manual")
			}
		case <-time.After(time.Second):
			t.Fatal("no close notification")
		}
	})

	t.Run("failure", func(t *testing.T) {
		fx := newSessionFixture(t, nil, SessionOptions{})
		got := make(chan bool, 1)
		fx.session.OnClose(func(manual bool) { got <- manual })
		fx.conn.Close() // transport drop
		select {
		case manual := <-got:
			if manual {
				t.Fatal("transport failure must not report manual")
			}
		case <-time.After(time.Second):
			t.Fatal("no close notification")
		}
	})
}

func TestNewSessionSendsChangeSize(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{Width: 640, Height: 480})
	env := fx.conn.waitForType(t, protocol.TypeChangeSize)
	var body protocol.ChangeSize
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Width != 640 || body.Height != 480 {
		t.Fatalf("size = %+v", body)
	}
}

func TestNewSessionFailsWithoutStream(t *testing.T) {
	client := NewClient("http://unused.invalid")
	conn := newStubConn()
	ch := channel.New(conn, channel.Config{
		ReadyPollInterval: time.Millisecond,
		ReadyMaxAttempts:  3,
	})
	_, err := client.NewSession(context.Background(), "sess-2", ch, SessionOptions{})
	if err == nil {
		t.Fatal("expected readiness timeout")
	}
	if err != ErrConnectionTimeout {
		t.Fatalf("err = %v, want ErrConnectionTimeout", err)
	}
}

func TestChatLogSubscriptionReceivesSnapshots(t *testing.T) {
	fx := newSessionFixture(t, nil, SessionOptions{})

	var mu sync.Mutex
	var last []Chat
	unsub := fx.session.SubscribeChatLog(func(log []Chat) {
		mu.Lock()
		last = log
		mu.Unlock()
	})
	defer unsub()

	fx.session.Speak("one")
	fx.session.Speak("two")

	waitFor(t, "two log entries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if last[0].Text != "two" || last[1].Text != "one" {
		t.Fatalf("log = %+v", last)
	}
}

func TestErrorHandlerReceivesRoundFailures(t *testing.T) {
	fx := newSessionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"errors":[{"code":"LLM_DOWN","detail":"backend unavailable","attr":null}]}`)
	}, SessionOptions{})

	errs := make(chan error, 1)
	unsub := fx.session.SetErrorHandler(func(err error) { errs <- err })
	defer unsub()

	fx.session.SendText("hello")

	select {
	case err := <-errs:
		var llmErr *LLMError
		if !errors.As(err, &llmErr) {
			t.Fatalf("error type = %T", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error surfaced")
	}
}
