// ABOUTME: gjson/sjson helpers over raw native payloads.
// ABOUTME: Inline image rewriting, model list reshaping, finish reason sniffing, and path parsing.

package translate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InlineImagesToMarkdown rewrites every inline-binary candidate part of a
// native response into a text part holding a Markdown image link. Input that
// is not valid JSON is returned unchanged.
func InlineImagesToMarkdown(raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return raw
	}

	root := gjson.ParseBytes(raw)
	if root.IsArray() {
		out := raw
		root.ForEach(func(i, elem gjson.Result) bool {
			rewritten := InlineImagesToMarkdown([]byte(elem.Raw))
			if updated, err := sjson.SetRawBytes(out, i.String(), rewritten); err == nil {
				out = updated
			}
			return true
		})
		return out
	}

	out := raw
	root.Get("candidates").ForEach(func(ci, cand gjson.Result) bool {
		cand.Get("content.parts").ForEach(func(pi, part gjson.Result) bool {
			inline := part.Get("inlineData")
			if !inline.Exists() {
				return true
			}
			text := markdownImage(&InlineData{
				MimeType: inline.Get("mimeType").String(),
				Data:     inline.Get("data").String(),
			})
			path := fmt.Sprintf("candidates.%d.content.parts.%d", ci.Int(), pi.Int())
			replacement, _ := json.Marshal(Part{Text: text})
			if updated, err := sjson.SetRawBytes(out, path, replacement); err == nil {
				out = updated
			}
			return true
		})
		return true
	})
	return out
}

// NativeModelsToChat reshapes a native model listing into the chat-dialect list.
func NativeModelsToChat(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: model list is not valid JSON", ErrTranslation)
	}

	created := time.Now().Unix()
	list := ModelList{Object: "list", Data: []ModelInfo{}}
	gjson.GetBytes(raw, "models").ForEach(func(_, m gjson.Result) bool {
		id := strings.TrimPrefix(m.Get("name").String(), "models/")
		if id == "" {
			return true
		}
		list.Data = append(list.Data, ModelInfo{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "google",
		})
		return true
	})

	out, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encoding model list: %w", err)
	}
	return out, nil
}

var finishReasonPattern = regexp.MustCompile(`"finishReason"\s*:\s*"([A-Z_]+)"`)

// SniffFinishReason guesses the finish reason from raw upstream text. It is
// used for logging only and returns "" when nothing is found.
func SniffFinishReason(text string) string {
	if gjson.Valid(text) {
		if r := gjson.Get(text, "candidates.0.finishReason"); r.Exists() {
			return r.String()
		}
	}
	matches := finishReasonPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

// ModelFromPath extracts the model name from a native path such as
// /v1beta/models/gemini-2.5-pro:streamGenerateContent.
func ModelFromPath(path string) string {
	_, rest, ok := strings.Cut(path, "models/")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, ":/?"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// IsGenerativePath reports whether a native path generates content.
func IsGenerativePath(path string) bool {
	return strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent")
}

// IsStreamingPath reports whether a native path requests a streamed response.
func IsStreamingPath(path string) bool {
	return strings.Contains(path, ":streamGenerateContent")
}
