// ABOUTME: Translates chat-completion requests into native generative-content requests.
// ABOUTME: Handles system instructions, role mapping, data URI images, and generation parameters.

package translate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
)

// ErrTranslation indicates a payload could not be translated between dialects.
var ErrTranslation = errors.New("translation error")

// safetyCategories are forced to BLOCK_NONE on every request.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// Options are global request rewrites applied during translation.
type Options struct {
	ForceThinking   bool
	ForceWebSearch  bool
	ForceURLContext bool
}

// Translator converts payloads between the chat and native dialects.
// It is stateless apart from its options and logger.
type Translator struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Translator. A nil logger discards diagnostics.
func New(opts Options, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Translator{opts: opts, logger: logger}
}

// ChatRequestToNative builds the native request for a chat-completion request.
func (t *Translator) ChatRequestToNative(req ChatRequest) (NativeRequest, error) {
	var (
		system   []string
		contents []Content
	)

	for i, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, messageText(msg.Content))
			continue
		}

		parts, err := t.convertContent(msg.Content)
		if err != nil {
			return NativeRequest{}, fmt.Errorf("message %d: %w", i, err)
		}
		if len(parts) == 0 {
			continue
		}
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, Content{Role: role, Parts: parts})
	}

	native := NativeRequest{Contents: contents}
	if len(system) > 0 {
		native.SystemInstruction = &Content{
			Parts: []Part{{Text: strings.Join(system, "\n")}},
		}
	}

	native.GenerationConfig = t.generationConfig(req)

	native.SafetySettings = make([]SafetySetting, 0, len(safetyCategories))
	for _, category := range safetyCategories {
		native.SafetySettings = append(native.SafetySettings, SafetySetting{
			Category:  category,
			Threshold: "BLOCK_NONE",
		})
	}

	if t.opts.ForceWebSearch {
		native.Tools = append(native.Tools, Tool{GoogleSearch: &EmptyObject{}})
	}
	if t.opts.ForceURLContext {
		native.Tools = append(native.Tools, Tool{URLContext: &EmptyObject{}})
	}

	return native, nil
}

func (t *Translator) generationConfig(req ChatRequest) *GenerationConfig {
	cfg := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = []string(req.Stop)
	}
	if t.opts.ForceThinking {
		cfg.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true}
	}
	if cfg.Temperature == nil && cfg.TopP == nil && cfg.TopK == nil &&
		cfg.MaxOutputTokens == nil && cfg.StopSequences == nil && cfg.ThinkingConfig == nil {
		return nil
	}
	return cfg
}

// messageText flattens content to text, used for system messages.
func messageText(c MessageContent) string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (t *Translator) convertContent(c MessageContent) ([]Part, error) {
	if c.Parts == nil {
		if c.Text == "" {
			return nil, nil
		}
		return []Part{{Text: c.Text}}, nil
	}

	parts := make([]Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if !strings.HasPrefix(p.ImageURL.URL, "data:") {
				t.logger.Warn("skipping non-data-uri image", "url", redactURL(p.ImageURL.URL))
				continue
			}
			inline, err := decodeDataURI(p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, Part{InlineData: inline})
		default:
			t.logger.Warn("skipping unsupported content part", "type", p.Type)
		}
	}
	return parts, nil
}

// decodeDataURI parses data:<mime>;base64,<payload>. The payload is validated
// and kept in base64 form, which is what the native dialect carries.
func decodeDataURI(uri string) (*InlineData, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: data uri has no payload", ErrTranslation)
	}
	mime, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return nil, fmt.Errorf("%w: data uri is not base64 encoded", ErrTranslation)
	}
	if mime == "" {
		return nil, fmt.Errorf("%w: data uri has no mime type", ErrTranslation)
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return nil, fmt.Errorf("%w: invalid base64 image data: %v", ErrTranslation, err)
	}
	return &InlineData{MimeType: mime, Data: payload}, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// NativePath returns the native endpoint and query for a chat model.
func NativePath(model string, stream bool) (string, map[string]string) {
	model = strings.TrimPrefix(model, "models/")
	if stream {
		return "/v1beta/models/" + model + ":streamGenerateContent", map[string]string{"alt": "sse"}
	}
	return "/v1beta/models/" + model + ":generateContent", map[string]string{}
}
