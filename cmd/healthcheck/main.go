// Command healthcheck exits non-zero unless the wealthpanel server on
// WEALTHPANEL_LISTEN_ADDR reports itself healthy. It is meant for container
// HEALTHCHECK lines, where no shell or curl is available.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	httphandler "github.com/ericfisherdev/wealthpanel/internal/adapter/driving/http"
)

const (
	defaultListenAddr = "127.0.0.1:8080"
	checkTimeout      = 3 * time.Second
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	base := "http://" + loopbackAddr(os.Getenv("WEALTHPANEL_LISTEN_ADDR"))
	if err := checkHealth(ctx, http.DefaultClient, base); err != nil {
		slog.Error("wealthpanel unhealthy", "url", base, "error", err)
		os.Exit(1)
	}
}

// checkHealth requires /api/v1/health to answer 200 with status "ok".
func checkHealth(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var health httphandler.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("server reports %q", health.Status)
	}
	return nil
}

// loopbackAddr maps the server's bind address to one the check can dial
// from inside the same container.
func loopbackAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		return defaultListenAddr
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}
