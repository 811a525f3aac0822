// ABOUTME: Translates native generative-content responses into chat-completion responses.
// ABOUTME: Classifies candidate parts into visible content, reasoning, and Markdown images.

package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// blockedMessage is sent as content when the prompt itself was blocked.
const blockedMessage = "The request was blocked by the upstream safety filters"

// partText holds classified candidate text.
type partText struct {
	content   strings.Builder
	reasoning strings.Builder
}

func (p *partText) add(part Part) {
	switch {
	case part.InlineData != nil:
		p.content.WriteString(markdownImage(part.InlineData))
	case part.Thought:
		p.reasoning.WriteString(part.Text)
	default:
		p.content.WriteString(part.Text)
	}
}

// markdownImage renders inline data as a Markdown image with a data URI.
func markdownImage(d *InlineData) string {
	return fmt.Sprintf("![image](data:%s;base64,%s)", d.MimeType, d.Data)
}

// chatFinishReason maps a native finish reason to the chat dialect.
func chatFinishReason(native string) *string {
	if native == "" {
		return nil
	}
	var reason string
	switch native {
	case "STOP":
		reason = "stop"
	case "MAX_TOKENS":
		reason = "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		reason = "content_filter"
	default:
		reason = "stop"
	}
	return &reason
}

func stringPtr(s string) *string { return &s }

// NativeChunkToChat translates one native stream chunk into a chat-dialect
// chunk. It returns false when the chunk carries nothing worth emitting or
// cannot be parsed.
func (t *Translator) NativeChunkToChat(raw []byte, model, streamID string, created int64) ([]byte, bool) {
	var resp NativeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.logger.Warn("skipping malformed upstream chunk", "error", err, "bytes", len(raw))
		return nil, false
	}

	chunk := ChatChunk{
		ID:      streamID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" && len(resp.Candidates) == 0 {
		chunk.Choices = []ChatChunkChoice{{
			Delta: ChatDelta{
				Role:    "assistant",
				Content: blockedMessage + " (" + resp.PromptFeedback.BlockReason + ").",
			},
			FinishReason: stringPtr("stop"),
		}}
		return t.marshal(chunk)
	}

	var text partText
	var finish *string
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				text.add(part)
			}
		}
		finish = chatFinishReason(cand.FinishReason)
	}

	if text.content.Len() == 0 && text.reasoning.Len() == 0 && finish == nil {
		return nil, false
	}

	chunk.Choices = []ChatChunkChoice{{
		Delta: ChatDelta{
			Role:             "assistant",
			Content:          text.content.String(),
			ReasoningContent: text.reasoning.String(),
		},
		FinishReason: finish,
	}}
	return t.marshal(chunk)
}

func (t *Translator) marshal(v any) ([]byte, bool) {
	out, err := json.Marshal(v)
	if err != nil {
		t.logger.Warn("encoding chat chunk", "error", err)
		return nil, false
	}
	return out, true
}

// NativeResponseToChat translates a complete native response body into a
// chat-completion response. A JSON array of chunks is merged in order.
func (t *Translator) NativeResponseToChat(raw []byte, model string) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		t.logger.Warn("malformed upstream response", "bytes", len(raw))
		return nil, fmt.Errorf("%w: upstream response is not valid JSON", ErrTranslation)
	}

	var responses []NativeResponse
	if gjson.ParseBytes(raw).IsArray() {
		if err := json.Unmarshal(raw, &responses); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTranslation, err)
		}
	} else {
		var resp NativeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTranslation, err)
		}
		responses = []NativeResponse{resp}
	}

	completion := ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}

	var text partText
	var finish *string
	for _, resp := range responses {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" && len(resp.Candidates) == 0 {
			text.content.WriteString(blockedMessage + " (" + resp.PromptFeedback.BlockReason + ").")
			finish = stringPtr("stop")
		}
		if len(resp.Candidates) > 0 {
			cand := resp.Candidates[0]
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					text.add(part)
				}
			}
			if f := chatFinishReason(cand.FinishReason); f != nil {
				finish = f
			}
		}
		if resp.UsageMetadata != nil {
			completion.Usage = &ChatUsage{
				PromptTokens:     resp.UsageMetadata.PromptTokenCount,
				CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			}
		}
	}

	completion.Choices = []ChatChoice{{
		Message: ResponseMessage{
			Role:             "assistant",
			Content:          text.content.String(),
			ReasoningContent: text.reasoning.String(),
		},
		FinishReason: finish,
	}}

	out, err := json.Marshal(completion)
	if err != nil {
		return nil, fmt.Errorf("encoding chat response: %w", err)
	}
	return out, nil
}
