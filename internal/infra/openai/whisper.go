package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"geminize/internal/infra"
)

const defaultBaseURL = "https://api.openai.com/v1"

// maxPromptWords keeps the vocabulary prompt well under Whisper's prompt limit.
const maxPromptWords = 60

type WhisperClient struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	language   string
	model      string
	retry      infra.RetryConfig

	mu     sync.RWMutex
	prompt string
}

func NewWhisperClient(apiKey, language, model string) *WhisperClient {
	return NewWhisperClientWithURL(apiKey, language, model, defaultBaseURL)
}

func NewWhisperClientWithURL(apiKey, language, model, baseURL string) *WhisperClient {
	if language == "" {
		language = "en"
	}
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperClient{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   language,
		model:      model,
		retry:      infra.DefaultRetryConfig(),
	}
}

// SetVocabulary biases recognition towards the given words, typically the
// user's accessory names plus the command keywords.
func (c *WhisperClient) SetVocabulary(words []string) {
	seen := make(map[string]bool, len(words))
	kept := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		key := strings.ToLower(w)
		if w == "" || seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, w)
		if len(kept) == maxPromptWords {
			break
		}
	}

	prompt := ""
	if len(kept) > 0 {
		prompt = "Turn on, turn off, relay. " + strings.Join(kept, ", ") + "."
	}

	c.mu.Lock()
	c.prompt = prompt
	c.mu.Unlock()
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	c.mu.RLock()
	prompt := c.prompt
	c.mu.RUnlock()

	var result transcriptionResponse

	retryErr := infra.WithRetry(ctx, c.retry, func() error {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)

		part, err := writer.CreateFormFile("file", "audio.wav")
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating form file: %w", err))
		}
		if _, err = part.Write(audio); err != nil {
			return infra.Permanent(fmt.Errorf("writing audio: %w", err))
		}
		if err = writer.WriteField("model", c.model); err != nil {
			return infra.Permanent(fmt.Errorf("writing model field: %w", err))
		}
		if err = writer.WriteField("language", c.language); err != nil {
			return infra.Permanent(fmt.Errorf("writing language field: %w", err))
		}
		if prompt != "" {
			if err = writer.WriteField("prompt", prompt); err != nil {
				return infra.Permanent(fmt.Errorf("writing prompt field: %w", err))
			}
		}
		if err = writer.Close(); err != nil {
			return infra.Permanent(fmt.Errorf("closing writer: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", body)
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			apiErr := fmt.Errorf("whisper API error %d: %s", resp.StatusCode, string(respBody))
			if infra.IsRetryableHTTPStatus(resp.StatusCode) {
				return apiErr
			}
			return infra.Permanent(apiErr)
		}

		if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		return nil
	})

	if retryErr != nil {
		return "", retryErr
	}

	return strings.TrimSpace(result.Text), nil
}
