package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishOnly struct {
	calls int
}

func (p *publishOnly) Publish(_ context.Context, _ Options, _ *Context) error {
	p.calls++
	return nil
}

type allSteps struct {
	seen []Step
}

func (p *allSteps) VerifyConditions(context.Context, Options, *Context) error {
	p.seen = append(p.seen, VerifyConditions)
	return nil
}

func (p *allSteps) Prepare(context.Context, Options, *Context) error {
	p.seen = append(p.seen, Prepare)
	return nil
}

func (p *allSteps) Publish(context.Context, Options, *Context) error {
	p.seen = append(p.seen, Publish)
	return nil
}

func (p *allSteps) AddChannel(context.Context, Options, *Context) error {
	p.seen = append(p.seen, AddChannel)
	return nil
}

type dynamic map[Step]StepFunc

func (d dynamic) StepFunc(step Step) (StepFunc, bool) {
	fn, ok := d[step]
	return fn, ok
}

func TestSteps(t *testing.T) {
	r := require.New(t)
	r.ElementsMatch([]Step{"addChannel", "prepare", "publish", "verifyConditions"}, Steps)

	for _, step := range Steps {
		parsed, err := ParseStep(step.String())
		r.NoError(err)
		r.Equal(step, parsed)
	}

	_, err := ParseStep("success")
	r.ErrorContains(err, `unknown lifecycle step "success"`)
}

func TestLookup(t *testing.T) {
	ctx := t.Context()

	t.Run("nil plugin", func(t *testing.T) {
		_, err := Lookup(nil, Publish)
		require.ErrorIs(t, err, ErrNilPlugin)
	})

	t.Run("typed nil plugin", func(t *testing.T) {
		var p *publishOnly
		_, err := Lookup(p, Publish)
		require.ErrorIs(t, err, ErrNilPlugin)

		var fn StepFunc
		_, err = Lookup(fn, Publish)
		require.ErrorIs(t, err, ErrNilPlugin)
	})

	t.Run("static interfaces", func(t *testing.T) {
		r := require.New(t)
		p := &publishOnly{}

		fn, err := Lookup(p, Publish)
		r.NoError(err)
		r.NoError(fn(ctx, nil, nil))
		r.Equal(1, p.calls)

		for _, step := range []Step{VerifyConditions, Prepare, AddChannel} {
			_, err := Lookup(p, step)
			r.ErrorIs(err, ErrStepNotSupported)
			r.ErrorContains(err, string(step))
		}
	})

	t.Run("all steps dispatch to the matching method", func(t *testing.T) {
		r := require.New(t)
		p := &allSteps{}
		for _, step := range Steps {
			fn, err := Lookup(p, step)
			r.NoError(err)
			r.NoError(fn(ctx, nil, nil))
		}
		r.Equal(Steps, p.seen)
		r.Equal(Steps, Supported(p))
	})

	t.Run("step provider", func(t *testing.T) {
		r := require.New(t)
		boom := errors.New("boom")
		p := dynamic{
			Prepare: func(context.Context, Options, *Context) error { return boom },
		}

		fn, err := Lookup(p, Prepare)
		r.NoError(err)
		r.ErrorIs(fn(ctx, nil, nil), boom)

		_, err = Lookup(p, Publish)
		r.ErrorIs(err, ErrStepNotSupported)
		r.Equal([]Step{Prepare}, Supported(p))
	})

	t.Run("plain value supports nothing", func(t *testing.T) {
		assert.Empty(t, Supported(struct{}{}))
	})
}

func TestMerge(t *testing.T) {
	r := require.New(t)
	shared := Options{"x": 0, "y": 2}
	specific := Options{"x": 1}

	merged := Merge(shared, specific)
	r.Equal(Options{"x": 1, "y": 2}, merged)

	merged["z"] = 3
	r.Equal(Options{"x": 0, "y": 2}, shared, "shared fragment must not be modified")
	r.Equal(Options{"x": 1}, specific, "registry fragment must not be modified")

	r.Equal(Options{}, Merge(nil, nil))
}

func TestContextWithEnv(t *testing.T) {
	r := require.New(t)
	ambient := &Context{
		Env:         map[string]string{"NPM_TOKEN": "shared"},
		Cwd:         "/work",
		NextRelease: &Release{Version: "1.0.0"},
	}

	derived := ambient.WithEnv(map[string]string{"NPM_TOKEN": "scoped"})
	r.Equal("scoped", derived.Env["NPM_TOKEN"])
	r.Equal("shared", ambient.Env["NPM_TOKEN"])
	r.Equal("/work", derived.Cwd)
	r.Same(ambient.NextRelease, derived.NextRelease)

	var empty *Context
	r.Empty(empty.CloneEnv())
	r.NotNil(empty.CloneEnv())
	r.NotNil(empty.Log())
}
