package perso

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SettingsService lists the catalogs an API key may use when minting a
// session: models, voices, prompts, and so on.
type SettingsService struct {
	client *Client
}

type LLMType struct {
	Name string `json:"name"`
}

type TTSType struct {
	Name    string `json:"name"`
	Service string `json:"service"`
	Speaker string `json:"speaker"`
}

type STTType struct {
	Name    string `json:"name"`
	Service string `json:"service"`
}

type ModelStyle struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Style string `json:"style"`
}

type BackgroundImage struct {
	BackgroundImageID string `json:"backgroundimage_id"`
	Title             string `json:"title"`
	Image             string `json:"image"`
	CreatedAt         string `json:"created_at"`
}

type Prompt struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	PromptID        string `json:"prompt_id"`
	SystemPrompt    string `json:"system_prompt"`
	RequireDocument bool   `json:"require_document"`
	IntroMessage    string `json:"intro_message"`
}

type Document struct {
	DocumentID  string `json:"document_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SearchCount int    `json:"search_count"`
	Processed   bool   `json:"processed"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type MCPServer struct {
	MCPServerID string `json:"mcpserver_id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (s *SettingsService) GetLLMs(ctx context.Context) ([]LLMType, error) {
	var out []LLMType
	err := s.client.getJSON(ctx, "/api/v1/settings/llm_type/", &out, true)
	return out, err
}

func (s *SettingsService) GetTTSs(ctx context.Context) ([]TTSType, error) {
	var out []TTSType
	err := s.client.getJSON(ctx, "/api/v1/settings/tts_type/", &out, true)
	return out, err
}

func (s *SettingsService) GetSTTs(ctx context.Context) ([]STTType, error) {
	var out []STTType
	err := s.client.getJSON(ctx, "/api/v1/settings/stt_type/", &out, true)
	return out, err
}

// GetModelStyles lists avatar model/style pairs available for the WebRTC
// platform.
func (s *SettingsService) GetModelStyles(ctx context.Context) ([]ModelStyle, error) {
	var out []ModelStyle
	err := s.client.getJSON(ctx, "/api/v1/settings/modelstyle/?platform_type=webrtc", &out, true)
	return out, err
}

func (s *SettingsService) GetBackgroundImages(ctx context.Context) ([]BackgroundImage, error) {
	var out []BackgroundImage
	err := s.client.getJSON(ctx, "/api/v1/background_image/", &out, true)
	return out, err
}

func (s *SettingsService) GetPrompts(ctx context.Context) ([]Prompt, error) {
	var out []Prompt
	err := s.client.getJSON(ctx, "/api/v1/prompt/", &out, true)
	return out, err
}

func (s *SettingsService) GetDocuments(ctx context.Context) ([]Document, error) {
	var out []Document
	err := s.client.getJSON(ctx, "/api/v1/document/", &out, true)
	return out, err
}

func (s *SettingsService) GetMCPServers(ctx context.Context) ([]MCPServer, error) {
	var out []MCPServer
	err := s.client.getJSON(ctx, "/api/v1/settings/mcp_type/", &out, true)
	return out, err
}

// GetIntroMessage returns the intro message configured on a prompt.
func (s *SettingsService) GetIntroMessage(ctx context.Context, promptID string) (string, error) {
	prompts, err := s.GetPrompts(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range prompts {
		if p.PromptID == promptID {
			return p.IntroMessage, nil
		}
	}
	return "", &APIError{Status: 404, Code: "NOT_FOUND", Detail: fmt.Sprintf("prompt %s not found", promptID)}
}

// Settings aggregates every catalog in one shot.
type Settings struct {
	LLMs             []LLMType
	TTSs             []TTSType
	STTs             []STTType
	ModelStyles      []ModelStyle
	BackgroundImages []BackgroundImage
	Prompts          []Prompt
	Documents        []Document
	MCPServers       []MCPServer
}

// GetAll fetches all catalogs concurrently and fails on the first error.
func (s *SettingsService) GetAll(ctx context.Context) (*Settings, error) {
	var settings Settings
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { settings.LLMs, err = s.GetLLMs(ctx); return })
	g.Go(func() (err error) { settings.TTSs, err = s.GetTTSs(ctx); return })
	g.Go(func() (err error) { settings.STTs, err = s.GetSTTs(ctx); return })
	g.Go(func() (err error) { settings.ModelStyles, err = s.GetModelStyles(ctx); return })
	g.Go(func() (err error) { settings.BackgroundImages, err = s.GetBackgroundImages(ctx); return })
	g.Go(func() (err error) { settings.Prompts, err = s.GetPrompts(ctx); return })
	g.Go(func() (err error) { settings.Documents, err = s.GetDocuments(ctx); return })
	g.Go(func() (err error) { settings.MCPServers, err = s.GetMCPServers(ctx); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &settings, nil
}
