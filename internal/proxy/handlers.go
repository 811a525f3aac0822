// ABOUTME: HTTP entry points for the native passthrough and the chat-completion dialect.
// ABOUTME: Each handler describes the request as a call and hands it to the controller.

package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/studio-gateway/internal/translate"
)

// maxRequestBody bounds client request bodies. Inline images make them large.
const maxRequestBody = 64 << 20

// ServeNative relays a native-dialect request unchanged.
func (c *Controller) ServeNative(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	path := r.URL.Path
	c.serve(w, r, call{
		model:      translate.ModelFromPath(path),
		method:     r.Method,
		path:       path,
		headers:    forwardHeaders(r.Header),
		query:      forwardQuery(r),
		body:       body,
		generative: translate.IsGenerativePath(path),
		stream:     translate.IsStreamingPath(path),
	})
}

// ServeChatCompletions handles POST /v1/chat/completions.
func (c *Controller) ServeChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req translate.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		WriteError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		WriteError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	native, err := c.translator.ChatRequestToNative(req)
	if err != nil {
		c.writeError(w, err)
		return
	}
	body, err := json.Marshal(native)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("encoding native request: %v", err))
		return
	}

	model := strings.TrimPrefix(req.Model, "models/")
	path, query := translate.NativePath(model, req.Stream)
	c.serve(w, r, call{
		chat:       true,
		model:      model,
		method:     http.MethodPost,
		path:       path,
		headers:    map[string]string{"content-type": "application/json"},
		query:      query,
		body:       body,
		generative: true,
		stream:     req.Stream,
		transform: func(raw []byte) ([]byte, error) {
			return c.translator.NativeResponseToChat(raw, model)
		},
	})
}

// ServeModels handles GET /v1/models by reshaping the native model list.
func (c *Controller) ServeModels(w http.ResponseWriter, r *http.Request) {
	c.serve(w, r, call{
		chat:      true,
		method:    http.MethodGet,
		path:      "/v1beta/models",
		headers:   map[string]string{},
		query:     map[string]string{},
		transform: translate.NativeModelsToChat,
	})
}
