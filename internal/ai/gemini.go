package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GeminiClient calls the generateContent endpoint over plain HTTP.
type GeminiClient struct {
	http     *http.Client
	endpoint string
	model    string
}

func NewGeminiClient(endpoint, model string) *GeminiClient {
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiClient{http: &http.Client{}, endpoint: endpoint, model: model}
}

func (c *GeminiClient) Name() string { return "gemini" }

type geminiInline struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenReq struct {
	Contents []geminiContent `json:"contents"`
}

type geminiGenResp struct {
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

func (c *GeminiClient) Generate(ctx context.Context, apiKey string, req Request) (Response, error) {
	if apiKey == "" {
		return Response{}, fmt.Errorf("gemini: missing api key")
	}

	parts := make([]geminiPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		gp := geminiPart{Text: p.Text}
		if p.Inline != nil {
			gp.InlineData = &geminiInline{MIMEType: p.Inline.MIMEType, Data: p.Inline.DataBase64}
		}
		parts = append(parts, gp)
	}
	payload := geminiGenReq{Contents: []geminiContent{{Parts: parts}}}
	body, _ := json.Marshal(payload)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, c.model)
	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	var r geminiGenResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Response{}, err
	}
	text := ""
	if len(r.Candidates) > 0 {
		for _, p := range r.Candidates[0].Content.Parts {
			text += p.Text
		}
	}
	if text == "" {
		return Response{}, ErrEmptyResponse
	}

	return Response{
		Text:      text,
		TokensIn:  r.UsageMetadata.PromptTokenCount,
		TokensOut: r.UsageMetadata.CandidatesTokenCount,
	}, nil
}
