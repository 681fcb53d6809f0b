// Package protocol defines the JSON envelope and message bodies exchanged
// over a live session's data channel. Every frame is an object of the form
// {"type": ..., "data": ...}; the type string selects the body shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// Client-to-server message types.
	TypeTTSTF              = "ttstf"
	TypeRecordStart        = "record-start"
	TypeRecordEndSTT       = "record-end-stt"
	TypeRecordEndTranslate = "record-end-translate"
	TypeChangeSize         = "change-size"
	TypeSetTemplate        = "set-template"
	TypeClearBuffer        = "clear-buffer"
	TypePing               = "ping"

	// Server-to-client message types.
	TypeSTF      = "stf"
	TypeSTT      = "stt"
	TypeSTTError = "stt-error"
)

const (
	// Close codes carried on a channel's terminal status event.
	CloseOK             = 200
	CloseRequestTimeout = 408

	ReasonOK             = "OK"
	ReasonRequestTimeout = "Request Timeout"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Envelope is the wire frame. Data is left raw so handlers registered for a
// type can decode the body they expect.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(typ string, data any) ([]byte, error) {
	env := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: typ, Data: data}
	return json.Marshal(env)
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, badFrame("invalid json frame", "")
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, badFrame("missing type", "type")
	}
	return env, nil
}

// TTSTF asks the avatar to speak a sentence.
type TTSTF struct {
	Message string `json:"message"`
}

type RecordStart struct{}

type RecordEndSTT struct {
	Language string `json:"language,omitempty"`
}

type RecordEndTranslate struct {
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

type ChangeSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type SetTemplate struct {
	Model string `json:"model,omitempty"`
	Dress string `json:"dress,omitempty"`
}

type ClearBuffer struct{}

// STF announces that a synthesized speech chunk has started playing.
// Duration is the chunk length in milliseconds.
type STF struct {
	Message  string `json:"message"`
	Duration int64  `json:"duration"`
}

// STT carries a final speech-to-text transcript.
type STT struct {
	Text string `json:"text"`
}

type STTError struct {
	Code int `json:"code"`
}

// Status is a channel lifecycle event. Live is false exactly once, on the
// terminal event, with Code/Reason explaining the close.
type Status struct {
	Live   bool
	Code   int
	Reason string
}
