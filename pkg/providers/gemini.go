package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/utils"
)

const geminiDefaultBase = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider talks to the Gemini generateContent REST API.
type GeminiProvider struct {
	apiKey  string
	apiBase string
	client  *http.Client
}

func NewGeminiProvider(apiKey, apiBase string, timeout time.Duration) *GeminiProvider {
	if apiBase == "" {
		apiBase = geminiDefaultBase
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"system_instruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  geminiGenConfig  `json:"generationConfig"`
}

type geminiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (*Reply, error) {
	body := geminiRequest{
		Contents: make([]geminiContent, 0, len(req.Messages)),
		GenerationConfig: geminiGenConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := []geminiPart{}
		if len(m.Data) > 0 {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: m.MimeType,
				Data:     base64.StdEncoding.EncodeToString(m.Data),
			}})
		}
		if m.Text != "" {
			parts = append(parts, geminiPart{Text: m.Text})
		}
		if len(parts) == 0 {
			continue
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: parts})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &AIError{Kind: ErrRejected, Provider: p.Name(), Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.apiBase, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &AIError{Kind: ErrRejected, Provider: p.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &AIError{Kind: ErrTransient, Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AIError{Kind: ErrTransient, Provider: p.Name(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AIError{
			Kind:     classifyStatus(resp.StatusCode),
			Provider: p.Name(),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("api error: %s", utils.Truncate(string(raw), 400)),
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &AIError{Kind: ErrTransient, Provider: p.Name(), Err: fmt.Errorf("parse response: %w", err)}
	}

	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return nil, &AIError{
			Kind:     ErrRejected,
			Provider: p.Name(),
			Err:      fmt.Errorf("prompt blocked: %s", parsed.PromptFeedback.BlockReason),
		}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &AIError{Kind: ErrRejected, Provider: p.Name(), Err: fmt.Errorf("no candidates returned")}
	}

	cand := parsed.Candidates[0]
	if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
		return nil, &AIError{
			Kind:     ErrRejected,
			Provider: p.Name(),
			Err:      fmt.Errorf("generation stopped: %s", cand.FinishReason),
		}
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, &AIError{Kind: ErrRejected, Provider: p.Name(), Err: fmt.Errorf("empty model response")}
	}

	reply := &Reply{Text: text, Model: req.Model}
	if parsed.UsageMetadata != nil {
		reply.InputTokens = parsed.UsageMetadata.PromptTokenCount
		reply.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	logger.DebugCF("providers", "Gemini generation complete", map[string]interface{}{
		"model":         req.Model,
		"input_tokens":  reply.InputTokens,
		"output_tokens": reply.OutputTokens,
	})
	return reply, nil
}
