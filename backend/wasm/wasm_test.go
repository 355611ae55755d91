package wasm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocm.software/open-component-model/multiregistry/backend/wasm"
	"ocm.software/open-component-model/multiregistry/instance"
	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// testModule is a module exporting publish, returning 0, and verify_conditions, returning 1.
func testModule() []byte {
	section := func(id byte, content ...byte) []byte {
		return append([]byte{id, byte(len(content))}, content...)
	}
	export := func(name string, index byte) []byte {
		return append(append([]byte{byte(len(name))}, name...), 0x00, index)
	}
	body := func(result byte) []byte {
		// no locals, i32.const result, end
		return []byte{0x04, 0x00, 0x41, result, 0x0b}
	}

	exports := append([]byte{0x02}, export("publish", 0)...)
	exports = append(exports, export("verify_conditions", 1)...)
	code := append([]byte{0x02}, body(0)...)
	code = append(code, body(1)...)

	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	module = append(module, section(0x01, 0x01, 0x60, 0x00, 0x01, 0x7f)...)
	module = append(module, section(0x03, 0x02, 0x00, 0x00)...)
	module = append(module, section(0x07, exports...)...)
	module = append(module, section(0x0a, code...)...)
	return module
}

func newFactory(t *testing.T, data []byte) *wasm.Factory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.wasm")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return &wasm.Factory{
		Path:    path,
		TempDir: t.TempDir(),
	}
}

func TestInstancePerRegistry(t *testing.T) {
	r := require.New(t)
	ctx := t.Context()
	f := newFactory(t, testModule())

	cache := instance.NewCache(ctx, f)
	github, err := cache.Resolve(ctx, "github")
	r.NoError(err)
	public, err := cache.Resolve(ctx, "public")
	r.NoError(err)

	githubDir, publicDir := github.(*wasm.Plugin).Dir(), public.(*wasm.Plugin).Dir()
	r.NotEqual(githubDir, publicDir, "registries must not share a directory")
	r.DirExists(githubDir)
	r.DirExists(publicDir)

	r.Equal([]lifecycle.Step{lifecycle.VerifyConditions, lifecycle.Publish}, lifecycle.Supported(github))

	publish, err := lifecycle.Lookup(github, lifecycle.Publish)
	r.NoError(err)
	r.NoError(publish(ctx, lifecycle.Options{"registry": "https://npm.pkg.github.com"}, &lifecycle.Context{
		Env: map[string]string{"NPM_TOKEN": "gh-secret"},
	}))

	verify, err := lifecycle.Lookup(github, lifecycle.VerifyConditions)
	r.NoError(err)
	r.ErrorContains(verify(ctx, lifecycle.Options{}, &lifecycle.Context{}), `registry "github"`)

	_, err = lifecycle.Lookup(github, lifecycle.Prepare)
	r.ErrorIs(err, lifecycle.ErrStepNotSupported)

	r.NoError(cache.Shutdown(ctx))
	r.NoDirExists(githubDir)
	r.NoDirExists(publicDir)

	r.ErrorContains(publish(ctx, lifecycle.Options{}, &lifecycle.Context{}), "is closed")
}

func TestShutdownIsIdempotent(t *testing.T) {
	ctx := t.Context()
	p, err := newFactory(t, testModule()).New(ctx, "github")
	require.NoError(t, err)

	s := p.(lifecycle.Shutdowner)
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestCreationFailures(t *testing.T) {
	ctx := t.Context()

	t.Run("missing file", func(t *testing.T) {
		f := &wasm.Factory{Path: filepath.Join(t.TempDir(), "missing.wasm"), TempDir: t.TempDir()}
		_, err := f.New(ctx, "github")
		assert.ErrorContains(t, err, "failed to read wasm file")
		assertNoLeftovers(t, f.TempDir)
	})

	t.Run("invalid module", func(t *testing.T) {
		f := newFactory(t, []byte("definitely not wasm"))
		_, err := f.New(ctx, "github")
		assert.ErrorContains(t, err, "failed to create extism plugin")
		assertNoLeftovers(t, f.TempDir)
	})
}

func TestExports(t *testing.T) {
	for _, step := range lifecycle.Steps {
		assert.Contains(t, wasm.Exports, step)
	}
	assert.Equal(t, "add_channel", wasm.Exports[lifecycle.AddChannel])
	assert.Equal(t, "verify_conditions", wasm.Exports[lifecycle.VerifyConditions])
}

func assertNoLeftovers(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "private directories of failed instances must be removed")
}
