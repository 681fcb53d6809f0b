package perso

import (
	"context"
	"encoding/json"
	"fmt"
)

// SessionsService mints and inspects sessions on the API server.
type SessionsService struct {
	client *Client
}

// CreateSessionParams selects the capabilities of a new session. ModelStyle
// and Prompt are required; LLMType, TTSType and STTType each enable the
// matching capability when set.
type CreateSessionParams struct {
	UsingSTFWebRTC  bool     `json:"using_stf_webrtc"`
	ModelStyle      string   `json:"model_style"`
	Prompt          string   `json:"prompt"`
	Document        string   `json:"document,omitempty"`
	BackgroundImage string   `json:"background_image,omitempty"`
	MCPServers      []string `json:"mcp_servers,omitempty"`
	PaddingLeft     *float64 `json:"padding_left,omitempty"`
	PaddingTop      *float64 `json:"padding_top,omitempty"`
	PaddingHeight   *float64 `json:"padding_height,omitempty"`
	LLMType         string   `json:"llm_type,omitempty"`
	TTSType         string   `json:"tts_type,omitempty"`
	STTType         string   `json:"stt_type,omitempty"`
}

type createSessionBody struct {
	CreateSessionParams
	Capability []string `json:"capability"`
}

// SessionInfo is the server's view of a session.
type SessionInfo struct {
	SessionID         string           `json:"session_id"`
	Status            string           `json:"status"`
	TerminationReason string           `json:"termination_reason"`
	DurationSec       float64          `json:"duration_sec"`
	CreatedAt         string           `json:"created_at"`
	Prompt            *Prompt          `json:"prompt"`
	Document          string           `json:"document"`
	LLMType           *LLMType         `json:"llm_type"`
	ModelStyle        *ModelStyle      `json:"model_style"`
	TTSType           *TTSType         `json:"tts_type"`
	ICEServers        json.RawMessage  `json:"ice_servers"`
	PaddingLeft       float64          `json:"padding_left"`
	PaddingTop        float64          `json:"padding_top"`
	PaddingHeight     float64          `json:"padding_height"`
	BackgroundImage   *BackgroundImage `json:"background_image"`
	ExtraData         string           `json:"extra_data"`
}

// ICEServer is one entry of a session's ICE configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Create mints a session and returns its ID. The capability list is derived
// from the params: STF_WEBRTC from UsingSTFWebRTC, and LLM/TTS/STT from
// their respective type fields.
func (s *SessionsService) Create(ctx context.Context, params CreateSessionParams) (string, error) {
	body := createSessionBody{CreateSessionParams: params, Capability: []string{}}
	if params.UsingSTFWebRTC {
		body.Capability = append(body.Capability, "STF_WEBRTC")
	}
	if params.LLMType != "" {
		body.Capability = append(body.Capability, "LLM")
	}
	if params.TTSType != "" {
		body.Capability = append(body.Capability, "TTS")
	}
	if params.STTType != "" {
		body.Capability = append(body.Capability, "STT")
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := s.client.postJSON(ctx, "/api/v1/session/", body, &out, true); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Get returns the server-side state of a session. No API key is required;
// possession of the session ID is the credential.
func (s *SessionsService) Get(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var out SessionInfo
	path := fmt.Sprintf("/api/v1/session/%s/", sessionID)
	if err := s.client.getJSON(ctx, path, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendEvent reports a client-side lifecycle event for a session.
func (s *SessionsService) SendEvent(ctx context.Context, sessionID, event string) error {
	body := map[string]string{"detail": "", "event": event}
	path := fmt.Sprintf("/api/v1/session/%s/event/create/", sessionID)
	return s.client.postJSON(ctx, path, body, nil, false)
}

// ICEServers fetches the ICE configuration callers need to negotiate the
// session's WebRTC peer connection.
func (s *SessionsService) ICEServers(ctx context.Context, sessionID string) ([]ICEServer, error) {
	var out struct {
		ICEServers []ICEServer `json:"ice_servers"`
	}
	path := fmt.Sprintf("/api/v1/session/%s/ice-servers/", sessionID)
	if err := s.client.getJSON(ctx, path, &out, false); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}

// Exchange posts the client's SDP offer and returns the server's answer.
// Both sides are opaque blobs to the SDK; the caller's WebRTC stack
// produces and consumes them.
func (s *SessionsService) Exchange(ctx context.Context, sessionID string, clientSDP json.RawMessage) (json.RawMessage, error) {
	body := map[string]json.RawMessage{"client_sdp": clientSDP}
	var out struct {
		ServerSDP json.RawMessage `json:"server_sdp"`
	}
	path := fmt.Sprintf("/api/v1/session/%s/exchange/", sessionID)
	if err := s.client.postJSON(ctx, path, body, &out, false); err != nil {
		return nil, err
	}
	return out.ServerSDP, nil
}
