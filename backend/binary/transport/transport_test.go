package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocm.software/open-component-model/multiregistry/lifecycle"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCall(t *testing.T) {
	t.Run("successful call without payload or result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/healthz", r.URL.Path)
			assert.Equal(t, http.MethodGet, r.Method)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		err := Call(t.Context(), server.Client(), TCP, server.URL, HealthzPath, http.MethodGet)
		assert.NoError(t, err)
	})

	t.Run("step request with result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/steps/publish", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "1", r.URL.Query().Get("attempt"))
			assert.Equal(t, "github", r.Header.Get("X-Registry"))

			req, err := DecodeJSONRequestBody[StepRequest](r)
			require.NoError(t, err)
			assert.Equal(t, "https://npm.pkg.github.com", req.Options["registry"])
			assert.Equal(t, "gh-secret", req.Context.Env["NPM_TOKEN"])
			assert.Equal(t, "1.0.0", req.Context.NextRelease.Version)

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "published"})
		}))
		defer server.Close()

		payload := StepRequest{
			Options: lifecycle.Options{"registry": "https://npm.pkg.github.com"},
			Context: &lifecycle.Context{
				Env:         map[string]string{"NPM_TOKEN": "gh-secret"},
				NextRelease: &lifecycle.Release{Version: "1.0.0"},
			},
		}
		var result map[string]string
		err := Call(t.Context(), server.Client(), TCP, server.URL, StepPath(lifecycle.Publish), http.MethodPost,
			WithPayload(payload),
			WithResult(&result),
			WithHeader(KV{Key: "X-Registry", Value: "github"}),
			WithQueryParams([]KV{{Key: "attempt", Value: "1"}}),
		)
		require.NoError(t, err)
		assert.Equal(t, "published", result["status"])
	})

	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			NewError(errors.New("registry rejected the package"), http.StatusInternalServerError).Write(w)
		}))
		defer server.Close()

		err := Call(t.Context(), server.Client(), TCP, server.URL, StepPath(lifecycle.Publish), http.MethodPost)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
		assert.Equal(t, "registry rejected the package", statusErr.Message)
		assert.EqualError(t, err, "plugin returned status code 500: registry rejected the package")
	})

	t.Run("error status without details", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		err := Call(t.Context(), server.Client(), TCP, server.URL, "missing", http.MethodGet)
		assert.EqualError(t, err, "plugin returned status code: 404 (no details were given)")
	})

	t.Run("invalid result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		var result map[string]string
		err := Call(t.Context(), server.Client(), TCP, server.URL, "x", http.MethodGet, WithResult(&result))
		assert.ErrorContains(t, err, "failed to decode response from plugin")
	})
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		line     string
		typ      ConnectionType
		location string
		ok       bool
	}{
		{line: "unix|/tmp/x/plugin.sock", typ: Socket, location: "/tmp/x/plugin.sock", ok: true},
		{line: "tcp|127.0.0.1:4000\n", typ: TCP, location: "127.0.0.1:4000", ok: true},
		{line: "udp|127.0.0.1:4000"},
		{line: "tcp|"},
		{line: "starting plugin"},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			typ, location, ok := ParseLocation(tc.line)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.typ, typ)
			assert.Equal(t, tc.location, location)
		})
	}
}

func TestReadLocation(t *testing.T) {
	t.Run("location after other output", func(t *testing.T) {
		out := strings.NewReader("warming up\ntcp|127.0.0.1:4000\nmore output\n")
		typ, location, err := ReadLocation(t.Context(), out, discardLogger(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, TCP, typ)
		assert.Equal(t, "127.0.0.1:4000", location)
	})

	t.Run("plugin exits early", func(t *testing.T) {
		_, _, err := ReadLocation(t.Context(), strings.NewReader("panic: boom\n"), discardLogger(), time.Second)
		require.ErrorIs(t, err, ErrPluginExited)
	})

	t.Run("timeout", func(t *testing.T) {
		r, w := io.Pipe()
		defer func() { _ = w.Close() }()
		_, _, err := ReadLocation(t.Context(), r, discardLogger(), 50*time.Millisecond)
		require.ErrorContains(t, err, "timed out")
	})
}

func TestWaitForPlugin(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HealthzPath, r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	location := strings.TrimPrefix(server.URL, "http://")
	client, err := WaitForPlugin(t.Context(), "github", location, TCP, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.EqualValues(t, 3, calls.Load())

	_, err = WaitForPlugin(t.Context(), "github", "127.0.0.1:1", TCP, 200*time.Millisecond)
	assert.ErrorContains(t, err, "timed out waiting for plugin github")

	_, err = Connect("github", location, "udp")
	assert.ErrorContains(t, err, "invalid connection type")
}

func TestValidateOptions(t *testing.T) {
	r := require.New(t)
	sch, err := CompileSchema([]byte(`{
  "type": "object",
  "properties": {
    "registry": {"type": "string", "format": "uri"},
    "npmPublish": {"type": "boolean"}
  },
  "required": ["registry"]
}`))
	r.NoError(err)

	r.NoError(ValidateOptions(sch, lifecycle.Options{"registry": "https://registry.npmjs.org", "tarballDir": "dist"}))
	r.ErrorContains(ValidateOptions(sch, lifecycle.Options{"npmPublish": true}), "options do not match the plugin schema")
	r.ErrorContains(ValidateOptions(sch, lifecycle.Options{"registry": "x", "npmPublish": "yes"}), "options do not match the plugin schema")
	r.NoError(ValidateOptions(nil, lifecycle.Options{"anything": 1}))

	_, err = CompileSchema([]byte(`{"type": 5`))
	r.Error(err)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{Steps: []lifecycle.Step{lifecycle.Publish, lifecycle.VerifyConditions}}
	require.NoError(t, caps.Validate())
	require.True(t, caps.Supports(lifecycle.Publish))
	require.False(t, caps.Supports(lifecycle.Prepare))

	caps.Steps = append(caps.Steps, "success")
	require.ErrorContains(t, caps.Validate(), `unknown step "success"`)
}

func TestStartLogStreamerLongLines(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))

	pr, pw := io.Pipe()
	streamed := make(chan struct{})
	go func() {
		defer close(streamed)
		StartLogStreamer(ctx, pr, logger, slog.LevelInfo)
	}()

	long := strings.Repeat("a", 300_000)
	tooLong := strings.Repeat("b", MaxLineSize+1)
	for _, line := range []string{long, "first", tooLong, "second"} {
		_, err := io.WriteString(pw, line+"\n")
		r.NoError(err, "the writer must never block on an unread pipe")
	}
	r.NoError(pw.Close())

	select {
	case <-streamed:
	case <-time.After(10 * time.Second):
		r.Fail("log streamer did not return after the writer closed")
	}
	r.Contains(buf.String(), "msg=first")
	r.Contains(buf.String(), long)
	r.NotContains(buf.String(), "msg=second", "output after an over-long line is discarded")
}
