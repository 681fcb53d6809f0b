package perso

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/perso-ai/perso-interactive-go/pkg/live/metrics"
	"github.com/perso-ai/perso-interactive-go/pkg/live/state"
)

// maxRoundDepth bounds tool-call follow-up rounds so a model that keeps
// requesting tools cannot loop forever.
const maxRoundDepth = 8

const streamLinePrefix = "data: {"

// llmEvent is one line of the LLM endpoint's event stream.
type llmEvent struct {
	Status     string     `json:"status"`
	Reason     string     `json:"reason"`
	Role       string     `json:"role"`
	Type       string     `json:"type"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	ToolCallID string     `json:"tool_call_id"`
}

type llmRequest struct {
	Messages []Message           `json:"messages"`
	Tools    []toolManifestEntry `json:"tools"`
}

// roundInput seeds a conversation round: a plain user message, or pending
// history entries carried over from a previous round's tool calls.
type roundInput struct {
	userMessage string
	hasUser     bool
	pending     []Message
}

type toolResult struct {
	callID      string
	executeOnly bool
	payload     string
}

// llmRunner drives tool-augmented streaming rounds against the session's
// LLM endpoint. One runner exists per session; rounds are serialized by the
// session's job slot.
type llmRunner struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tools      []ChatTool
	states     *state.Tracker

	// speak forwards a text fragment to speech playback.
	speak func(string)
	// appendLog records a chat log entry.
	appendLog func(text string, isUser bool)
	// emitError surfaces a round failure to error subscribers.
	emitError func(error)
	// snapshotHistory and commitHistory give the runner serialized access
	// to the session's permanent message history.
	snapshotHistory func() []Message
	commitHistory   func([]Message)

	cancel atomic.Bool
}

// run executes one round, following up on tool calls until the model stops
// requesting them. The accumulated pending history is committed only when a
// round chain finishes without cancellation.
func (r *llmRunner) run(ctx context.Context, input roundInput) {
	roundID := uuid.NewString()
	start := time.Now()
	result := r.runChain(ctx, roundID, input)
	r.metrics.RecordRound(result, time.Since(start))
	r.logger.Debug("llm round finished", "round_id", roundID, "result", result)
}

func (r *llmRunner) runChain(ctx context.Context, roundID string, input roundInput) string {
	r.states.Apply([]state.State{state.LLM}, nil)
	defer r.states.Apply(nil, []state.State{state.LLM})

	manifest := buildToolManifest(r.tools)

	pending := make([]Message, 0, 4)
	if input.hasUser {
		pending = append(pending, Message{Role: RoleUser, Content: input.userMessage})
	}
	pending = append(pending, input.pending...)

	for depth := 0; ; depth++ {
		if depth >= maxRoundDepth {
			r.emitError(&LLMError{Err: &StreamingError{
				Description: fmt.Sprintf("tool follow-up depth exceeded %d", maxRoundDepth),
			}})
			return "error"
		}

		batch, outcome := r.streamOnce(ctx, roundID, manifest, &pending)
		switch outcome {
		case "canceled", "error":
			return outcome
		}

		if batch == nil {
			r.commitHistory(pending)
			return "ok"
		}

		results := r.executeTools(ctx, batch.ToolCalls)
		for _, res := range results {
			pending = append(pending, Message{
				Role:       RoleTool,
				Content:    res.payload,
				ToolCallID: res.callID,
			})
		}
		if r.cancel.Load() {
			return "canceled"
		}

		// A follow-up round is needed when some calls were delegated
		// elsewhere (fewer local results than requested calls) or when any
		// executed tool wants the model to see its result.
		skipped := len(results) > 0 && len(batch.ToolCalls) != len(results)
		wantsFollowUp := false
		for _, res := range results {
			if !res.executeOnly {
				wantsFollowUp = true
				break
			}
		}
		if !skipped && !wantsFollowUp {
			r.commitHistory(pending)
			return "ok"
		}
	}
}

// streamOnce performs a single POST and consumes its event stream,
// appending to pending in place. It returns the round's pending tool-call
// batch, if any, and an outcome of "ok", "canceled" or "error".
func (r *llmRunner) streamOnce(ctx context.Context, roundID string, manifest []toolManifestEntry, pending *[]Message) (*llmEvent, string) {
	reqBody := llmRequest{
		Messages: append(r.snapshotHistory(), *pending...),
		Tools:    manifest,
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		r.emitError(&LLMError{Err: err})
		return nil, "error"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(string(raw)))
	if err != nil {
		r.emitError(&LLMError{Err: err})
		return nil, "error"
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.emitError(&LLMError{Err: err})
		return nil, "error"
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		r.emitError(&LLMError{Err: decodeAPIError(resp.StatusCode, body)})
		return nil, "error"
	}

	var (
		contents strings.Builder
		batch    *llmEvent
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if r.cancel.Load() {
			// Abandoned mid-stream: surface what was already spoken in the
			// chat log, but leave history untouched.
			if contents.Len() > 0 {
				r.appendLog(contents.String(), false)
			}
			r.logger.Debug("llm round canceled", "round_id", roundID)
			return nil, "canceled"
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, streamLinePrefix) {
			r.emitError(&LLMError{Err: &StreamingError{Description: "failed to parse event stream line"}})
			return nil, "error"
		}
		var ev llmEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			r.emitError(&LLMError{Err: &StreamingError{Description: "malformed event payload"}})
			return nil, "error"
		}
		if ev.Status != "success" {
			r.emitError(&LLMError{Err: &StreamingError{Description: ev.Reason}})
			return nil, "error"
		}

		// Sentence fragments accumulate until a non-message event closes the
		// utterance; only then does it become one history entry.
		if contents.Len() > 0 && ev.Type != TypeMessage {
			*pending = append(*pending, Message{
				Role:    RoleAssistant,
				Type:    TypeMessage,
				Content: contents.String(),
			})
			r.appendLog(contents.String(), false)
			contents.Reset()
		}

		switch {
		case ev.Type == TypeMessage:
			// Fragments are spoken as they arrive, whatever the role.
			contents.WriteString(ev.Content)
			r.speak(ev.Content)

		case ev.Type == TypeToolCall && len(ev.ToolCalls) > 0:
			// The server may omit the role on tool_call events that follow a
			// guidance message; history requires assistant.
			*pending = append(*pending, Message{
				Role:      RoleAssistant,
				Type:      TypeToolCall,
				Content:   ev.Content,
				ToolCalls: ev.ToolCalls,
			})
			evCopy := ev
			batch = &evCopy

		case ev.Role == RoleTool && ev.Type == TypeToolCall:
			// Result of a server-side tool; stored verbatim, nothing to run.
			*pending = append(*pending, Message{
				Role:       RoleTool,
				Type:       TypeToolCall,
				Content:    ev.Content,
				ToolCallID: ev.ToolCallID,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		r.emitError(&LLMError{Err: err})
		return nil, "error"
	}
	if r.cancel.Load() {
		r.logger.Debug("llm round canceled", "round_id", roundID)
		return nil, "canceled"
	}
	return batch, "ok"
}

// executeTools runs every recognized tool in the batch concurrently.
// Unknown tool names are skipped; results keep the batch's order.
func (r *llmRunner) executeTools(ctx context.Context, calls []ToolCall) []toolResult {
	slots := make([]*toolResult, len(calls))
	g, ctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		tool := findTool(r.tools, call.Function.Name)
		if tool == nil {
			continue
		}
		i, call := i, call
		g.Go(func() error {
			payload := r.invokeTool(ctx, tool, call)
			slots[i] = &toolResult{
				callID:      call.ID,
				executeOnly: tool.ExecuteOnly,
				payload:     payload,
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]toolResult, 0, len(calls))
	for _, slot := range slots {
		if slot != nil {
			results = append(results, *slot)
		}
	}
	return results
}

// invokeTool runs one tool call, converting failures of any kind into the
// conventional error payload the model understands.
func (r *llmRunner) invokeTool(ctx context.Context, tool *ChatTool, call ToolCall) (payload string) {
	const errorPayload = `{"result":"error!"}`

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", tool.Name, "panic", rec)
			r.metrics.RecordToolCall(tool.Name, "panic")
			payload = errorPayload
		}
	}()

	args := json.RawMessage(call.Function.Arguments)
	if !json.Valid(args) {
		r.logger.Warn("tool arguments not valid json", "tool", tool.Name)
		r.metrics.RecordToolCall(tool.Name, "error")
		return errorPayload
	}
	result, err := tool.Call(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", tool.Name, "error", err)
		r.metrics.RecordToolCall(tool.Name, "error")
		return errorPayload
	}
	raw, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("tool result not marshalable", "tool", tool.Name, "error", err)
		r.metrics.RecordToolCall(tool.Name, "error")
		return errorPayload
	}
	r.metrics.RecordToolCall(tool.Name, "ok")
	return string(raw)
}
