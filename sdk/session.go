package perso

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/perso-ai/perso-interactive-go/pkg/live/channel"
	"github.com/perso-ai/perso-interactive-go/pkg/live/playback"
	"github.com/perso-ai/perso-interactive-go/pkg/live/protocol"
	"github.com/perso-ai/perso-interactive-go/pkg/live/state"
)

// SessionOptions configures NewSession.
type SessionOptions struct {
	// Tools are exposed to the LLM for function calling.
	Tools []ChatTool
	// Width and Height, when both positive, resize the avatar canvas right
	// after the channel becomes ready.
	Width  int
	Height int
	// Playback overrides the speech window timing, mainly for tests.
	Playback playback.Config
	Logger   *slog.Logger
}

// Session manages one full conversation: chat state, LLM orchestration,
// voice capture, and speech synthesis triggers, all over a live channel.
type Session struct {
	sessionID string
	ch        *channel.Channel
	logger    *slog.Logger

	states *state.Tracker
	window *playback.Window
	runner *llmRunner

	mu      sync.Mutex
	history []Message
	chatLog []Chat

	logSubs      map[int]func([]Chat)
	errSubs      map[int]func(error)
	transcriptFn func(string)
	nextSub      int

	// jobMu guards the single active round slot.
	jobMu   sync.Mutex
	jobDone chan struct{}
	// roundMu serializes round chains so a second SendText queues behind
	// the first instead of racing on history.
	roundMu sync.Mutex

	unsubs []func()
}

// NewSession starts the channel, waits until it is ready, and wires the
// conversation machinery on top of it. The caller remains responsible for
// attaching media streams to ch; readiness requires at least one.
func (c *Client) NewSession(ctx context.Context, sessionID string, ch *channel.Channel, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = c.logger
	}
	logger = logger.With("session_id", sessionID)

	s := &Session{
		sessionID: sessionID,
		ch:        ch,
		logger:    logger,
		states:    state.NewTracker(),
		logSubs:   make(map[int]func([]Chat)),
		errSubs:   make(map[int]func(error)),
	}
	s.window = playback.New(opts.Playback, func() {
		s.states.Apply(nil, []state.State{state.Speaking})
	})
	s.runner = &llmRunner{
		endpoint:        fmt.Sprintf("%s/api/v1/session/%s/llm/v2/", c.apiServer, sessionID),
		httpClient:      c.httpClient,
		logger:          logger,
		metrics:         c.metrics,
		tools:           opts.Tools,
		states:          s.states,
		speak:           s.speak,
		appendLog:       s.appendChatLog,
		emitError:       s.emitError,
		snapshotHistory: s.snapshotHistory,
		commitHistory:   s.commitHistory,
	}

	ch.Start()
	if err := ch.WaitReady(ctx); err != nil {
		return nil, err
	}
	if opts.Width > 0 && opts.Height > 0 {
		if err := s.ChangeSize(opts.Width, opts.Height); err != nil {
			return nil, err
		}
	}

	s.unsubs = append(s.unsubs,
		ch.OnMessage(protocol.TypeSTF, s.handleSTF),
		ch.OnMessage(protocol.TypeSTT, s.handleSTT),
		ch.OnMessage(protocol.TypeSTTError, s.handleSTTError),
	)
	s.states.Reset()

	c.metrics.RecordSessionStart()
	// Deliberately not tracked in unsubs: the gauge must drop on manual
	// close too, after Close has already removed the other handlers.
	ch.SubscribeStatus(func(protocol.Status) {
		c.metrics.RecordSessionEnd()
	})

	return s, nil
}

func (s *Session) SessionID() string {
	return s.sessionID
}

// Channel exposes the underlying data channel, e.g. for attaching media
// streams negotiated after session setup.
func (s *Session) Channel() *channel.Channel {
	return s.ch
}

// SendText forwards a user utterance to the LLM and speaks the result,
// updating history, the chat log, and chat states along the way. The round
// runs asynchronously; failures surface through SetErrorHandler.
func (s *Session) SendText(message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	s.appendChatLog(message, true)
	s.launchRound(roundInput{userMessage: message, hasUser: true})
}

// SendExternalText plays back a response produced outside the built-in LLM
// pipeline. History, the chat log, and the LLM state are left untouched.
func (s *Session) SendExternalText(message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	s.speak(message)
}

// Speak appends an assistant message to history and the chat log and plays
// it immediately, bypassing the LLM. Used e.g. for scripted intro messages.
func (s *Session) Speak(message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, Message{Role: RoleAssistant, Type: TypeMessage, Content: message})
	s.mu.Unlock()
	s.appendChatLog(message, false)
	s.speak(message)
}

// StartVoiceCapture begins buffering microphone audio for transcription.
func (s *Session) StartVoiceCapture() error {
	s.states.Apply([]state.State{state.Recording}, nil)
	return s.ch.Send(protocol.TypeRecordStart, protocol.RecordStart{})
}

// StopVoiceCapture stops the capture and submits the buffered audio for
// speech-to-text.
func (s *Session) StopVoiceCapture() error {
	s.states.Apply([]state.State{state.Analyzing}, []state.State{state.Recording})
	return s.ch.Send(protocol.TypeRecordEndSTT, protocol.RecordEndSTT{})
}

// StopVoiceCaptureTranslate stops the capture and submits the buffered
// audio for transcription plus translation.
func (s *Session) StopVoiceCaptureTranslate(sourceLang, targetLang string) error {
	s.states.Apply([]state.State{state.Analyzing}, []state.State{state.Recording})
	return s.ch.Send(protocol.TypeRecordEndTranslate, protocol.RecordEndTranslate{
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
	})
}

// ChangeSize resizes the avatar video canvas on the remote renderer.
func (s *Session) ChangeSize(width, height int) error {
	return s.ch.Send(protocol.TypeChangeSize, protocol.ChangeSize{Width: width, Height: height})
}

// SetTemplate switches the avatar model or outfit on the remote renderer.
func (s *Session) SetTemplate(model, dress string) error {
	return s.ch.Send(protocol.TypeSetTemplate, protocol.SetTemplate{Model: model, Dress: dress})
}

// CancelPendingSpeech cancels any in-flight LLM round, discards remote
// speech buffers, and resets chat states to idle. It blocks until the
// active round, if any, has observed cancellation.
func (s *Session) CancelPendingSpeech() error {
	s.cancelRound()
	err := s.ch.Send(protocol.TypeClearBuffer, protocol.ClearBuffer{})
	s.window.Stop()
	s.states.Reset()
	return err
}

// Close shuts the session down gracefully.
func (s *Session) Close() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	return s.ch.Close()
}

// OnClose notifies the callback when the session ends; manual is true for a
// graceful local close and false for transport-detected failure. On failure
// callers typically fetch the termination reason via Sessions.Get.
func (s *Session) OnClose(fn func(manual bool)) func() {
	return s.ch.SubscribeStatus(func(st protocol.Status) {
		if !st.Live {
			fn(st.Code == protocol.CloseOK)
		}
	})
}

// SubscribeChatStates registers a callback for chat-state set changes.
func (s *Session) SubscribeChatStates(fn func(state.Set)) func() {
	return s.states.Subscribe(fn)
}

// SubscribeChatLog registers a callback receiving the full chat log
// snapshot, newest entry first.
func (s *Session) SubscribeChatLog(fn func([]Chat)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.logSubs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.logSubs, id)
			s.mu.Unlock()
		})
	}
}

// SetTranscriptHandler routes raw speech-to-text results to fn instead of
// feeding them back into the LLM pipeline. The returned remover restores
// automatic routing.
func (s *Session) SetTranscriptHandler(fn func(text string)) func() {
	s.mu.Lock()
	s.transcriptFn = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.transcriptFn = nil
			s.mu.Unlock()
		})
	}
}

// SetErrorHandler registers a callback for LLM and streaming errors.
func (s *Session) SetErrorHandler(fn func(error)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.errSubs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.errSubs, id)
			s.mu.Unlock()
		})
	}
}

// ChatLog returns a snapshot of the chat log, newest entry first.
func (s *Session) ChatLog() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, len(s.chatLog))
	copy(out, s.chatLog)
	return out
}

// History returns a snapshot of the permanent LLM message history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// launchRound claims the single round slot and runs a round chain in the
// background.
func (s *Session) launchRound(input roundInput) {
	done := make(chan struct{})
	s.jobMu.Lock()
	s.jobDone = done
	s.jobMu.Unlock()

	go func() {
		s.roundMu.Lock()
		defer s.roundMu.Unlock()
		defer func() {
			s.jobMu.Lock()
			if s.jobDone == done {
				s.jobDone = nil
			}
			s.jobMu.Unlock()
			close(done)
		}()
		s.runner.run(context.Background(), input)
	}()
}

// cancelRound flips the cancellation flag and waits for the active round to
// notice. Safe to call when no round is running.
func (s *Session) cancelRound() {
	s.jobMu.Lock()
	done := s.jobDone
	s.jobMu.Unlock()
	if done == nil {
		return
	}
	s.runner.cancel.Store(true)
	<-done
	s.runner.cancel.Store(false)
}

// speak sanitizes text and forwards it to text-to-face synthesis, marking
// the analyzing state until the avatar reports speech playback.
func (s *Session) speak(message string) {
	filtered := strings.TrimSpace(removeEmoji(message))
	if filtered == "" {
		return
	}
	s.states.Apply([]state.State{state.Analyzing}, nil)
	if err := s.ch.Send(protocol.TypeTTSTF, protocol.TTSTF{Message: filtered}); err != nil {
		s.logger.Warn("ttstf send failed", "error", err)
		s.states.Apply(nil, []state.State{state.Analyzing})
	}
}

func (s *Session) handleSTF(raw json.RawMessage) {
	var body protocol.STF
	if err := json.Unmarshal(raw, &body); err != nil {
		s.logger.Warn("bad stf payload", "error", err)
		return
	}
	s.states.Apply([]state.State{state.Speaking}, []state.State{state.Analyzing})
	s.window.Observe(time.Duration(body.Duration) * time.Millisecond)
}

func (s *Session) handleSTT(raw json.RawMessage) {
	var body protocol.STT
	if err := json.Unmarshal(raw, &body); err != nil {
		s.logger.Warn("bad stt payload", "error", err)
		return
	}
	s.states.Apply(nil, []state.State{state.Analyzing})

	s.mu.Lock()
	fn := s.transcriptFn
	s.mu.Unlock()
	if fn != nil {
		fn(body.Text)
		return
	}
	if body.Text == "" {
		return
	}
	s.SendText(body.Text)
}

func (s *Session) handleSTTError(raw json.RawMessage) {
	var body protocol.STTError
	if err := json.Unmarshal(raw, &body); err == nil {
		s.logger.Warn("stt failed", "code", body.Code)
	}
	s.states.Apply(nil, []state.State{state.Analyzing})
}

// appendChatLog prepends an entry and fans the new snapshot out.
func (s *Session) appendChatLog(text string, isUser bool) {
	s.mu.Lock()
	entry := Chat{Text: text, IsUser: isUser, TimestampMS: time.Now().UnixMilli()}
	s.chatLog = append([]Chat{entry}, s.chatLog...)
	snapshot := make([]Chat, len(s.chatLog))
	copy(snapshot, s.chatLog)
	subs := make([]func([]Chat), 0, len(s.logSubs))
	for _, fn := range s.logSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (s *Session) emitError(err error) {
	s.logger.Error("conversation error", "error", err)
	s.mu.Lock()
	subs := make([]func(error), 0, len(s.errSubs))
	for _, fn := range s.errSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
}

func (s *Session) snapshotHistory() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) commitHistory(pending []Message) {
	s.mu.Lock()
	s.history = append(s.history, pending...)
	s.mu.Unlock()
}
