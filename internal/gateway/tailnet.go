// ABOUTME: Tailnet exposure for the gateway: tsnet node startup and listener selection
// ABOUTME: The backchannel always gets a plain tailnet port; the HTTP API is plain, TLS, or Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/studio-gateway/internal/config"
)

// tailnetBackchannelPort is where agents on the tailnet reach the gRPC backchannel.
const tailnetBackchannelPort = ":50051"

// exposure is how the HTTP API is offered on the tailnet.
type exposure int

const (
	exposePlain  exposure = iota // :80, tailnet only
	exposeTLS                    // :443 with tailnet-issued certificates
	exposeFunnel                 // :443 reachable from the internet
)

func exposureFor(cfg config.TailscaleConfig) exposure {
	switch {
	case cfg.Funnel:
		return exposeFunnel
	case cfg.HTTPS:
		return exposeTLS
	default:
		return exposePlain
	}
}

func (e exposure) scheme() string {
	if e == exposePlain {
		return "http"
	}
	return "https"
}

// tailnetNode is the listening surface of a tsnet node.
type tailnetNode interface {
	Listen(network, addr string) (net.Listener, error)
	ListenFunnel(network, addr string, opts ...tsnet.FunnelOption) (net.Listener, error)
}

type certGetter func(*tls.ClientHelloInfo) (*tls.Certificate, error)

// openTailnetListeners opens the backchannel and HTTP API listeners on node.
// certs is only consulted for exposeTLS. Nothing is left open on error.
func openTailnetListeners(node tailnetNode, mode exposure, certs func() (certGetter, error)) (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = node.Listen("tcp", tailnetBackchannelPort)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailnet backchannel port: %w", err)
	}
	defer func() {
		if err != nil {
			_ = grpcLn.Close()
		}
	}()

	switch mode {
	case exposeFunnel:
		if httpLn, err = node.ListenFunnel("tcp", ":443"); err != nil {
			return nil, nil, fmt.Errorf("opening funnel: %w", err)
		}
	case exposeTLS:
		getCert, certErr := certs()
		if certErr != nil {
			return nil, nil, fmt.Errorf("tailnet certificates: %w", certErr)
		}
		ln, lnErr := node.Listen("tcp", ":443")
		if lnErr != nil {
			return nil, nil, fmt.Errorf("listening on tailnet HTTPS port: %w", lnErr)
		}
		httpLn = tls.NewListener(ln, &tls.Config{
			GetCertificate: getCert,
			MinVersion:     tls.VersionTLS12,
		})
	default:
		if httpLn, err = node.Listen("tcp", ":80"); err != nil {
			return nil, nil, fmt.Errorf("listening on tailnet HTTP port: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// tailnetStateDir is where the node keeps its identity between restarts.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "studio-gateway", "tailscale"), nil
}

// tailnetAuthKey prefers the configured key over TS_AUTHKEY.
func tailnetAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// tailnetURL is the base URL clients reach the node at, or "" when the node
// has no DNS name yet.
func tailnetURL(mode exposure, status *ipnstate.Status) string {
	if status == nil || status.Self == nil || status.Self.DNSName == "" {
		return ""
	}
	return mode.scheme() + "://" + strings.TrimSuffix(status.Self.DNSName, ".")
}

// setupTailscaleListeners joins the tailnet and opens the gateway's listeners on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := tailnetStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := tailnetAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	g.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.tsnetServer = node

	var ip string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	mode := exposureFor(tsCfg)
	if url := tailnetURL(mode, status); url != "" && os.Getenv("STUDIO_GATEWAY_URL") == "" {
		g.baseURL = url
	}
	g.logger.Info("tailnet node up", "hostname", tsCfg.Hostname, "tailscale_ip", ip, "base_url", g.baseURL)

	certs := func() (certGetter, error) {
		lc, err := node.LocalClient()
		if err != nil {
			return nil, err
		}
		return lc.GetCertificate, nil
	}
	grpcLn, httpLn, err = openTailnetListeners(node, mode, certs)
	if err != nil {
		_ = node.Close()
		g.tsnetServer = nil
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}
