package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/runtimeerr"
)

// GoogleProvider implements engine.LMHandle for the google-compatible
// provider family (Gemini's generateContent/streamGenerateContent wire
// format), grounded on provider/gemini/gemini.go.
type GoogleProvider struct {
	name    string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	temperature *float64
	topP        *float64
}

var _ engine.LMHandle = (*GoogleProvider)(nil)

// NewGoogleProvider constructs a GoogleProvider. baseURL defaults to the
// public Generative Language API when empty.
func NewGoogleProvider(name, apiKey, model, baseURL string) *GoogleProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleProvider{
		name: name, apiKey: apiKey, model: model, baseURL: baseURL,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (g *GoogleProvider) Name() string { return g.name }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func roleToGemini(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func (g *GoogleProvider) buildBody(req engine.ChatRequest) map[string]any {
	var system string
	var contents []geminiContent
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		contents = append(contents, geminiContent{Role: roleToGemini(m.Role), Parts: []geminiPart{{Text: m.Content}}})
	}

	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if req.MaxOutputTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxOutputTokens
	}

	body := map[string]any{"contents": contents}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}
	if system != "" {
		body["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	return body
}

func (g *GoogleProvider) Chat(ctx context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	body := g.buildBody(req)
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	resp, err := g.post(ctx, url, body)
	if err != nil {
		return engine.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.ChatResponse{}, g.httpErr(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.ChatResponse{}, runtimeerr.Wrap(runtimeerr.ProviderError, g.name+": read response", err)
	}
	content, usage := parseGeminiResponse(data)
	return engine.ChatResponse{Content: content, Usage: usage}, nil
}

func (g *GoogleProvider) ChatStream(ctx context.Context, req engine.ChatRequest, ch chan<- engine.StreamToken) (engine.ChatResponse, error) {
	defer close(ch)
	body := g.buildBody(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)
	resp, err := g.post(ctx, url, body)
	if err != nil {
		return engine.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.ChatResponse{}, g.httpErr(resp)
	}

	var fullContent strings.Builder
	var usage engine.Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "" {
			continue
		}
		text, u := parseGeminiResponse([]byte(payload))
		if text != "" {
			fullContent.WriteString(text)
			select {
			case ch <- engine.StreamToken{Content: text}:
			case <-ctx.Done():
				return engine.ChatResponse{Content: fullContent.String()}, ctx.Err()
			}
		}
		if u.InputTokens > 0 || u.OutputTokens > 0 {
			usage = u
		}
	}
	return engine.ChatResponse{Content: fullContent.String(), Usage: usage}, nil
}

func (g *GoogleProvider) post(ctx context.Context, url string, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.ProviderError, g.name+": marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.ProviderError, g.name+": create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return g.client.Do(httpReq)
}

func (g *GoogleProvider) httpErr(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	return runtimeerr.Newf(runtimeerr.ProviderError, "%s: http %d: %s", g.name, resp.StatusCode, string(data)).WithContext("status", resp.StatusCode)
}

// parseGeminiResponse extracts candidates[0].content.parts[].text and usage
// metadata from a single generateContent/streamGenerateContent JSON chunk.
func parseGeminiResponse(data []byte) (string, engine.Usage) {
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", engine.Usage{}
	}
	var text strings.Builder
	if len(parsed.Candidates) > 0 {
		for _, p := range parsed.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}
	}
	return text.String(), engine.Usage{
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}
}
