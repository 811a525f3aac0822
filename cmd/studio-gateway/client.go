// ABOUTME: Operator subcommands that talk to a running gateway over HTTP
// ABOUTME: health checks liveness and readiness; status and switch use the operator API

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/studio-gateway/internal/config"
	"github.com/2389/studio-gateway/internal/gateway"
	"github.com/2389/studio-gateway/internal/proxy"
)

// clientOptions are the flags shared by the operator subcommands.
type clientOptions struct {
	configPath string
	url        string
	apiKey     string
}

func (o *clientOptions) register(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configPath, "config", "c", "", "config file path")
	flags.StringVar(&o.url, "url", "", "gateway base URL (default derived from server.http_addr)")
	flags.StringVar(&o.apiKey, "api-key", "", "API key (default $STUDIO_API_KEY or the first configured key)")
}

// resolve fills the base URL and API key from config when not given as flags.
func (o *clientOptions) resolve() error {
	if o.apiKey == "" {
		o.apiKey = os.Getenv("STUDIO_API_KEY")
	}
	if o.url != "" && o.apiKey != "" {
		return nil
	}

	cfg, err := config.Load(getConfigPath(o.configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if o.url == "" {
		o.url = "http://" + cfg.Server.HTTPAddr
	}
	if o.apiKey == "" && len(cfg.Auth.APIKeys) > 0 {
		o.apiKey = cfg.Auth.APIKeys[0]
	}
	return nil
}

func (o *clientOptions) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(o.url, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// apiError extracts the message from the shared error body shape.
func apiError(status int, body []byte) error {
	var shaped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil && shaped.Error.Message != "" {
		return fmt.Errorf("status %d: %s", status, shaped.Error.Message)
	}
	return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
}

func runHealth(ctx context.Context, args []string) error {
	var opts clientOptions
	flags := pflag.NewFlagSet("health", pflag.ContinueOnError)
	opts.register(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := opts.resolve(); err != nil {
		return err
	}

	status, _, err := opts.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	status, body, err := opts.do(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	if status != http.StatusOK {
		color.Yellow("healthy, not ready: %s", strings.TrimSpace(string(body)))
		return nil
	}
	color.Green("healthy, %s", strings.TrimSpace(string(body)))
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	var opts clientOptions
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	opts.register(flags)
	asJSON := flags.Bool("json", false, "print the raw JSON status")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := opts.resolve(); err != nil {
		return err
	}

	status, body, err := opts.do(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}

	if *asJSON {
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err != nil {
			return fmt.Errorf("formatting status: %w", err)
		}
		fmt.Println(out.String())
		return nil
	}

	var st gateway.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	printStatus(os.Stdout, st)
	return nil
}

func printStatus(w io.Writer, st gateway.StatusResponse) {
	label := color.New(color.FgHiBlack).SprintFunc()
	value := color.New(color.FgCyan).SprintFunc()

	conn := color.GreenString("connected")
	switch {
	case st.InGrace:
		conn = color.YellowString("reconnecting")
	case !st.Connected:
		conn = color.RedString("disconnected")
	}

	uses := fmt.Sprintf("%d", st.UsageCount)
	if st.SwitchOnUses > 0 {
		uses = fmt.Sprintf("%d / %d", st.UsageCount, st.SwitchOnUses)
	}
	failures := fmt.Sprintf("%d", st.FailureCount)
	if st.FailureThreshold > 0 {
		failures = fmt.Sprintf("%d / %d", st.FailureCount, st.FailureThreshold)
	}

	fmt.Fprintf(w, "%s auth-%s %s\n", label("credential:"), value(st.CurrentIndex), st.CurrentName)
	fmt.Fprintf(w, "%s %s\n", label("agent:     "), conn)
	fmt.Fprintf(w, "%s %s\n", label("uses:      "), uses)
	fmt.Fprintf(w, "%s %s\n", label("failures:  "), failures)
	fmt.Fprintf(w, "%s %d active, %d queued\n", label("requests:  "), st.ActiveRequests, st.PendingRequests)
	fmt.Fprintf(w, "%s %v (invalid %v) from %s\n", label("pool:      "), st.ValidIndices, st.InvalidIndices, st.CredentialSource)

	switch {
	case st.Switching:
		fmt.Fprintln(w, color.YellowString("switch in progress"))
	case st.PendingSwitch:
		fmt.Fprintln(w, color.YellowString("switch pending, waiting for active requests"))
	case st.Recovering:
		fmt.Fprintln(w, color.YellowString("recovering session"))
	}
	if st.LastOutcome != "" && st.LastRotation != nil {
		line := fmt.Sprintf("last switch %s at %s", st.LastOutcome, st.LastRotation.Local().Format(time.DateTime))
		if st.LastError != "" {
			line += ": " + st.LastError
		}
		if st.LastOutcome == proxy.OutcomeSwitched {
			fmt.Fprintln(w, label(line))
		} else {
			fmt.Fprintln(w, color.RedString(line))
		}
	}
}

func runSwitch(ctx context.Context, args []string) error {
	var opts clientOptions
	flags := pflag.NewFlagSet("switch", pflag.ContinueOnError)
	opts.register(flags)
	index := flags.IntP("index", "i", -1, "credential index to switch to (default: next)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := opts.resolve(); err != nil {
		return err
	}

	var body []byte
	if flags.Changed("index") {
		if *index < 0 {
			return fmt.Errorf("--index must not be negative")
		}
		body, _ = json.Marshal(gateway.SwitchRequest{Index: index})
	}

	status, data, err := opts.do(ctx, http.MethodPost, "/api/switch", body)
	if err != nil {
		return err
	}

	var resp gateway.SwitchResponse
	if jsonErr := json.Unmarshal(data, &resp); jsonErr != nil || resp.Outcome == "" {
		return apiError(status, data)
	}

	switch resp.Outcome {
	case proxy.OutcomeSwitched:
		color.Green("switched auth-%d -> auth-%d", resp.Previous, resp.Current)
		return nil
	case proxy.OutcomeRolledBack:
		color.Yellow("switch failed, rolled back to auth-%d: %s", resp.Current, resp.Error)
	default:
		color.Red("switch failed: %s", resp.Error)
	}
	return fmt.Errorf("switch %s", resp.Outcome)
}
