package binary_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocm.software/open-component-model/multiregistry/backend/binary"
	"ocm.software/open-component-model/multiregistry/backend/binary/transport"
	"ocm.software/open-component-model/multiregistry/instance"
	"ocm.software/open-component-model/multiregistry/lifecycle"
	"ocm.software/open-component-model/multiregistry/multiplexer"
	"ocm.software/open-component-model/multiregistry/sdk"
)

// testPluginEnv turns the test binary into a plugin binary.
const testPluginEnv = "MULTIREGISTRY_TEST_PLUGIN"

type helperOptions struct {
	Registry string `json:"registry"`
	Fail     bool   `json:"fail,omitempty"`
}

// helperPlugin behaves like npm: it writes the credentials into a file in its temp dir.
type helperPlugin struct{}

func (helperPlugin) VerifyConditions(_ context.Context, opts lifecycle.Options, _ *lifecycle.Context) error {
	var o helperOptions
	if err := sdk.DecodeOptions(opts, &o); err != nil {
		return err
	}
	if o.Fail {
		return errors.New("missing credentials")
	}
	return nil
}

func (helperPlugin) Publish(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
	var o helperOptions
	if err := sdk.DecodeOptions(opts, &o); err != nil {
		return err
	}

	token := rc.Env["NPM_TOKEN"]
	npmrc := filepath.Join(os.TempDir(), ".npmrc")
	if err := os.WriteFile(npmrc, []byte(o.Registry+":_authToken="+token), 0o600); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(rc.Cwd, "published.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	rc.Log().InfoContext(ctx, "published", "registry", o.Registry)
	_, err = fmt.Fprintf(f, "%s %s %s\n", o.Registry, token, os.TempDir())
	return err
}

func TestMain(m *testing.M) {
	switch os.Getenv(testPluginEnv) {
	case "":
		os.Exit(m.Run())
	case "crash":
		if len(os.Args) > 1 && os.Args[1] == transport.ConfigFlag {
			fmt.Fprintln(os.Stderr, "panic: cannot start")
			os.Exit(2)
		}
	}

	if err := sdk.Run(context.Background(), helperPlugin{}, sdk.WithOptionsSchemaFor(&helperOptions{})); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func newFactory(t *testing.T, mode string) *binary.Factory {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("plugin processes are interrupted with signals")
	}
	return &binary.Factory{
		Path:           os.Args[0],
		TempDir:        t.TempDir(),
		Env:            []string{testPluginEnv + "=" + mode},
		IdleTimeout:    time.Minute,
		StartupTimeout: 20 * time.Second,
	}
}

func TestProcessPerRegistry(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	cwd := t.TempDir()

	cache := instance.NewCache(ctx, newFactory(t, "plugin"))
	t.Cleanup(func() { _ = cache.Shutdown(context.Background()) })
	m := multiplexer.New(cache)

	cfg := multiplexer.NewConfig(lifecycle.Options{"registry": "https://registry.npmjs.org"},
		multiplexer.Registry{ID: "github", Options: lifecycle.Options{"registry": "https://npm.pkg.github.com"}},
		multiplexer.Registry{ID: "public"},
	)
	rc := &lifecycle.Context{
		Cwd: cwd,
		Env: map[string]string{"NPM_TOKEN": "shared", "GITHUB_NPM_TOKEN": "gh-secret"},
	}

	r.NoError(m.VerifyConditions(ctx, cfg, rc))
	r.NoError(m.Publish(ctx, cfg, rc))

	lines := readLines(t, filepath.Join(cwd, "published.log"))
	r.Len(lines, 2)
	github, public := strings.Fields(lines[0]), strings.Fields(lines[1])
	r.Equal([]string{"https://npm.pkg.github.com", "gh-secret"}, github[:2])
	r.Equal([]string{"https://registry.npmjs.org", "shared"}, public[:2])
	r.NotEqual(github[2], public[2], "registries must not share a temp dir")

	npmrc, err := os.ReadFile(filepath.Join(github[2], ".npmrc"))
	r.NoError(err)
	r.Equal("https://npm.pkg.github.com:_authToken=gh-secret", string(npmrc))
	npmrc, err = os.ReadFile(filepath.Join(public[2], ".npmrc"))
	r.NoError(err)
	r.Equal("https://registry.npmjs.org:_authToken=shared", string(npmrc))

	r.Equal(2, cache.Len(), "instances are reused across steps")
	r.NoError(cache.Shutdown(ctx))
	r.NoDirExists(github[2], "private directories are removed on shutdown")
	r.NoDirExists(public[2])
}

func TestCapabilitiesAreRespected(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()

	p, err := newFactory(t, "plugin").New(ctx, "github")
	r.NoError(err)
	plugin := p.(*binary.Plugin)
	t.Cleanup(func() { _ = plugin.Shutdown(context.Background()) })

	r.Equal([]lifecycle.Step{lifecycle.VerifyConditions, lifecycle.Publish}, lifecycle.Supported(p))
	r.DirExists(plugin.Dir())

	_, err = lifecycle.Lookup(p, lifecycle.Prepare)
	r.ErrorIs(err, lifecycle.ErrStepNotSupported)

	verify, err := lifecycle.Lookup(p, lifecycle.VerifyConditions)
	r.NoError(err)

	err = verify(ctx, lifecycle.Options{"registry": "https://npm.pkg.github.com", "fail": true}, &lifecycle.Context{})
	var statusErr *transport.StatusError
	r.ErrorAs(err, &statusErr)
	r.Contains(statusErr.Message, "missing credentials")

	err = verify(ctx, lifecycle.Options{"fail": true}, &lifecycle.Context{})
	r.ErrorContains(err, "options do not match the plugin schema", "options are validated before calling the plugin")

	r.NoError(plugin.Shutdown(ctx))
	r.NoDirExists(plugin.Dir())

	err = verify(ctx, lifecycle.Options{"registry": "x"}, &lifecycle.Context{})
	r.ErrorContains(err, "is not running")
}

func TestTCPConnection(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	f := newFactory(t, "plugin")
	f.ConnectionType = transport.TCP

	p, err := f.New(ctx, "tcp")
	r.NoError(err)
	t.Cleanup(func() { _ = p.(lifecycle.Shutdowner).Shutdown(context.Background()) })

	verify, err := lifecycle.Lookup(p, lifecycle.VerifyConditions)
	r.NoError(err)
	r.NoError(verify(ctx, lifecycle.Options{"registry": "https://registry.npmjs.org"}, &lifecycle.Context{}))
}

func TestStartupFailures(t *testing.T) {
	ctx := t.Context()

	t.Run("missing binary", func(t *testing.T) {
		f := newFactory(t, "plugin")
		f.Path = filepath.Join(t.TempDir(), "does-not-exist")
		_, err := f.New(ctx, "github")
		assert.ErrorContains(t, err, "failed to get capabilities")
		assertNoLeftovers(t, f.TempDir)
	})

	t.Run("plugin exits during startup", func(t *testing.T) {
		f := newFactory(t, "crash")
		_, err := f.New(ctx, "github")
		assert.ErrorIs(t, err, transport.ErrPluginExited)
		assertNoLeftovers(t, f.TempDir)
	})
}

func assertNoLeftovers(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "private directories of failed instances must be removed")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}
