package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultStartupTimeout bounds how long a plugin may take to report its location and
	// to answer its health check.
	DefaultStartupTimeout = 30 * time.Second

	pollInterval = 100 * time.Millisecond

	// MaxLineSize is the longest plugin output line that is logged. Longer lines end the
	// logging of that stream, the rest of it is discarded.
	MaxLineSize = 1024 * 1024
)

// ErrPluginExited is returned when the plugin output ends before it reported its location.
var ErrPluginExited = errors.New("plugin exited before reporting its location")

// ReadLocation reads the plugin stdout until the location line appears. Every other line is
// logged at debug level. After the location is found, the remaining output is drained and
// logged in the background until r is closed, so the plugin never blocks on a full pipe.
func ReadLocation(ctx context.Context, r io.Reader, logger *slog.Logger, timeout time.Duration) (ConnectionType, string, error) {
	type result struct {
		typ      ConnectionType
		location string
	}
	found := make(chan result, 1)
	errChan := make(chan error, 1)

	go func() {
		// keep reading so that the plugin never blocks on a full pipe
		defer drain(r)

		reported := false
		scanner := newScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if !reported {
				if typ, location, ok := ParseLocation(line); ok {
					reported = true
					found <- result{typ: typ, location: location}
					continue
				}
			}
			logger.DebugContext(ctx, "plugin output", "line", line)
		}

		if reported {
			return
		}
		if err := scanner.Err(); err != nil {
			errChan <- fmt.Errorf("error reading plugin output: %w", err)
			return
		}
		errChan <- ErrPluginExited
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-found:
		return res.typ, res.location, nil
	case err := <-errChan:
		return "", "", err
	case <-timer.C:
		return "", "", fmt.Errorf("timed out after %s waiting for plugin to report its location", timeout)
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// WaitForPlugin creates the HTTP client for the plugin and waits until it answers its
// health check.
func WaitForPlugin(ctx context.Context, id, location string, typ ConnectionType, timeout time.Duration) (*http.Client, error) {
	client, err := Connect(id, location, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plugin %s: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BaseURL(typ, location)+HealthzPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plugin %s: %w", id, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		// This is the main work of the loop that we want to execute at least once
		// right away.
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return client, nil
			}
		}

		select {
		case <-ticker.C:
			// tick the loop and repeat the main loop body every set interval
		case <-deadline.C:
			return nil, fmt.Errorf("timed out waiting for plugin %s", id)
		case <-ctx.Done():
			return nil, fmt.Errorf("context was cancelled while waiting for plugin %s: %w", id, ctx.Err())
		}
	}
}

// Connect will create a client that sets up connection based on the plugin's connection type.
// That is either a Unix socket or a TCP based connection. It does this by setting the `DialContext` using
// the right network location.
func Connect(id, location string, typ ConnectionType) (*http.Client, error) {
	var network string
	switch typ {
	case Socket:
		network = "unix"
	case TCP:
		network = "tcp"
		location = strings.TrimPrefix(location, "http://")
	default:
		return nil, fmt.Errorf("invalid connection type: %s", typ)
	}

	dialer := net.Dialer{
		Timeout: 30 * time.Second,
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, location)
				if err != nil {
					return nil, fmt.Errorf("failed to connect to plugin %s: %w", id, err)
				}

				return conn, nil
			},
		},
	}

	return client, nil
}

// StartLogStreamer streams the lines of r to logger until r is closed. Plugins write their
// logs to stderr. It blocks, run it in its own goroutine.
func StartLogStreamer(ctx context.Context, r io.Reader, logger *slog.Logger, level slog.Level) {
	scanner := newScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Log(ctx, level, line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.DebugContext(ctx, "streaming logs from plugin failed", "error", err.Error())
		drain(r)
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), MaxLineSize)
	return scanner
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
