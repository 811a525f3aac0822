// ABOUTME: Development execution agent: connects to the gateway backchannel and echoes requests.
// ABOUTME: Usage: fake-agent [--addr localhost:50051 | --ws ws://localhost:8080/ws] [--token T]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/studio-gateway/internal/backchannel"
)

func main() {
	flags := pflag.NewFlagSet("fake-agent", pflag.ContinueOnError)
	addr := flags.String("addr", "localhost:50051", "gateway gRPC address")
	wsURL := flags.String("ws", "", "connect over WebSocket to this URL instead of gRPC")
	token := flags.String("token", os.Getenv("STUDIO_AGENT_TOKEN"), "backchannel token")
	delay := flags.Duration("chunk-delay", 50*time.Millisecond, "delay between streamed chunks")
	failStatus := flags.Int("fail-status", 0, "answer every generative request with this upstream status")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if idx := os.Getenv("STUDIO_AUTH_INDEX"); idx != "" {
		logger = logger.With("auth_index", idx)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &agent{logger: logger, chunkDelay: *delay, failStatus: *failStatus, cancels: make(map[string]context.CancelFunc)}
	if err := a.run(ctx, *addr, *wsURL, *token); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

type agent struct {
	logger     *slog.Logger
	chunkDelay time.Duration
	failStatus int

	conn    backchannel.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (a *agent) dial(ctx context.Context, addr, wsURL, token string) (func(), error) {
	if wsURL != "" {
		conn, err := backchannel.DialWebSocket(ctx, wsURL, token)
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}
		a.conn = conn
		return func() { _ = conn.Close() }, nil
	}

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn, err := backchannel.OpenGRPCStream(ctx, cc, token)
	if err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	a.conn = conn
	return func() {
		_ = conn.Close()
		_ = cc.Close()
	}, nil
}

func (a *agent) run(ctx context.Context, addr, wsURL, token string) error {
	closeFn, err := a.dial(ctx, addr, wsURL, token)
	if err != nil {
		return err
	}
	defer closeFn()
	a.logger.Info("connected to gateway", "remote", a.conn.RemoteAddr())

	for {
		data, err := a.conn.ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		if gjson.GetBytes(data, "event_type").String() == string(backchannel.EventCancelRequest) {
			a.cancel(gjson.GetBytes(data, "request_id").String())
			continue
		}

		var env backchannel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}

		reqCtx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancels[env.RequestID] = cancel
		a.mu.Unlock()

		go func() {
			defer a.cancel(env.RequestID)
			a.handle(reqCtx, env)
		}()
	}
}

func (a *agent) cancel(id string) {
	a.mu.Lock()
	cancel, ok := a.cancels[id]
	delete(a.cancels, id)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *agent) send(ctx context.Context, ev backchannel.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteFrame(ctx, frame)
}

func (a *agent) handle(ctx context.Context, env backchannel.Envelope) {
	logger := a.logger.With("request_id", env.RequestID, "path", env.Path)
	logger.Info("handling request", "method", env.Method, "streaming_mode", env.StreamingMode)

	emit := func(ev backchannel.Event) bool {
		ev.RequestID = env.RequestID
		if err := a.send(ctx, ev); err != nil {
			logger.Warn("send failed", "error", err)
			return false
		}
		return true
	}

	if a.failStatus != 0 && env.IsGenerative {
		body := fmt.Sprintf(`{"error":{"code":%d,"message":"simulated upstream failure"}}`, a.failStatus)
		_ = emit(backchannel.Event{Type: backchannel.EventResponseHeaders, Status: a.failStatus})
		_ = emit(backchannel.Event{Type: backchannel.EventChunk, Data: body})
		_ = emit(backchannel.Event{Type: backchannel.EventStreamClose})
		return
	}

	if env.Method == "GET" && strings.HasSuffix(env.Path, "/models") {
		_ = emit(backchannel.Event{Type: backchannel.EventResponseHeaders, Status: 200, Headers: map[string]string{"Content-Type": "application/json"}})
		_ = emit(backchannel.Event{Type: backchannel.EventChunk, Data: modelList})
		_ = emit(backchannel.Event{Type: backchannel.EventStreamClose})
		return
	}

	text := "echo: " + lastUserText(env.Body)
	streaming := strings.Contains(env.Path, ":streamGenerateContent") && env.StreamingMode != "fake"

	if !streaming {
		_ = emit(backchannel.Event{Type: backchannel.EventResponseHeaders, Status: 200, Headers: map[string]string{"Content-Type": "application/json"}})
		_ = emit(backchannel.Event{Type: backchannel.EventChunk, Data: candidate(text, "STOP")})
		_ = emit(backchannel.Event{Type: backchannel.EventStreamClose})
		return
	}

	if !emit(backchannel.Event{Type: backchannel.EventResponseHeaders, Status: 200, Headers: map[string]string{"Content-Type": "text/event-stream"}}) {
		return
	}
	words := strings.Fields(text)
	for i, word := range words {
		select {
		case <-ctx.Done():
			logger.Info("request cancelled")
			return
		case <-time.After(a.chunkDelay):
		}
		if i < len(words)-1 {
			word += " "
		}
		finish := ""
		if i == len(words)-1 {
			finish = "STOP"
		}
		if !emit(backchannel.Event{Type: backchannel.EventChunk, Data: "data: " + candidate(word, finish) + "\n\n"}) {
			return
		}
	}
	_ = emit(backchannel.Event{Type: backchannel.EventStreamClose})
}

const modelList = `{"models":[{"name":"models/gemini-pro","displayName":"Gemini Pro"},{"name":"models/gemini-flash","displayName":"Gemini Flash"}]}`

// lastUserText pulls the text of the final user turn from a native request.
func lastUserText(body string) string {
	contents := gjson.Get(body, "contents").Array()
	for i := len(contents) - 1; i >= 0; i-- {
		if role := contents[i].Get("role").String(); role != "" && role != "user" {
			continue
		}
		var parts []string
		contents[i].Get("parts").ForEach(func(_, p gjson.Result) bool {
			if t := p.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return "(empty)"
}

// candidate builds a single-candidate native response.
func candidate(text, finishReason string) string {
	out := `{"candidates":[{"content":{"role":"model","parts":[{"text":""}]}}]}`
	out, _ = sjson.Set(out, "candidates.0.content.parts.0.text", text)
	if finishReason != "" {
		out, _ = sjson.Set(out, "candidates.0.finishReason", finishReason)
	}
	return out
}
