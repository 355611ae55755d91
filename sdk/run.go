// Package sdk is used to write plugin binaries for the multiregistry binary backend.
//
// A plugin binary implements any subset of the lifecycle step interfaces and hands itself to
// Run from its main function:
//
//	type publisher struct{}
//
//	func (publisher) Publish(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
//		var o struct {
//			Registry string `json:"registry"`
//		}
//		if err := sdk.DecodeOptions(opts, &o); err != nil {
//			return err
//		}
//		rc.Log().InfoContext(ctx, "publishing", "registry", o.Registry)
//		return nil
//	}
//
//	func main() {
//		if err := sdk.Run(context.Background(), publisher{}); err != nil {
//			os.Exit(1)
//		}
//	}
//
// The host starts one process per registry. Credentials must be read from the environment in
// the lifecycle.Context (rc.Env), not from the process environment: only the former is scoped
// to the registry.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"

	"ocm.software/open-component-model/multiregistry/backend/binary/transport"
	"ocm.software/open-component-model/multiregistry/lifecycle"
)

type options struct {
	args   []string
	output io.Writer
	schema json.RawMessage
	logger *slog.Logger
}

// Option configures Run.
type Option func(*options) error

// WithArgs replaces the command line arguments, which default to os.Args[1:].
func WithArgs(args ...string) Option {
	return func(o *options) error {
		o.args = args
		return nil
	}
}

// WithOutput replaces stdout as the destination of capabilities and the location line.
func WithOutput(w io.Writer) Option {
	return func(o *options) error {
		o.output = w
		return nil
	}
}

// WithLogger sets the logger handed to steps. It defaults to a text logger on stderr, which
// the host streams into its own log.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithOptionsSchema reports raw as JSON schema of the options the plugin accepts.
// The host validates the merged options of every step against it.
func WithOptionsSchema(raw []byte) Option {
	return func(o *options) error {
		if !json.Valid(raw) {
			return errors.New("options schema is not valid JSON")
		}
		o.schema = raw
		return nil
	}
}

// WithOptionsSchemaFor generates the options schema from the json tags of proto.
// Unknown options are always allowed since the configuration is shared with other plugins.
func WithOptionsSchemaFor(proto any) Option {
	return func(o *options) error {
		r := &jsonschema.Reflector{
			ExpandedStruct:            true,
			DoNotReference:            true,
			AllowAdditionalProperties: true,
		}
		raw, err := json.Marshal(r.Reflect(proto))
		if err != nil {
			return fmt.Errorf("failed to generate options schema: %w", err)
		}
		o.schema = raw
		return nil
	}
}

// Run executes the plugin according to its command line: `capabilities` prints what impl
// supports, `--config <json>` serves the supported steps until the host shuts the plugin down.
func Run(ctx context.Context, impl lifecycle.Plugin, opts ...Option) error {
	o := &options{
		args:   os.Args[1:],
		output: os.Stdout,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if impl == nil {
		return lifecycle.ErrNilPlugin
	}

	switch {
	case len(o.args) == 1 && o.args[0] == transport.CapabilitiesCommand:
		return json.NewEncoder(o.output).Encode(Capabilities(impl, o.schema))
	case len(o.args) == 2 && o.args[0] == transport.ConfigFlag:
		var conf transport.Config
		if err := json.Unmarshal([]byte(o.args[1]), &conf); err != nil {
			return fmt.Errorf("failed to parse plugin configuration: %w", err)
		}
		return serve(ctx, impl, conf, o)
	}

	return fmt.Errorf("usage: <plugin> %s | %s <json>", transport.CapabilitiesCommand, transport.ConfigFlag)
}

// Capabilities returns what the host learns about impl.
func Capabilities(impl lifecycle.Plugin, schema json.RawMessage) *transport.Capabilities {
	steps := lifecycle.Supported(impl)
	if steps == nil {
		steps = []lifecycle.Step{}
	}
	return &transport.Capabilities{Steps: steps, OptionsSchema: schema}
}

func serve(ctx context.Context, impl lifecycle.Plugin, conf transport.Config, o *options) error {
	logger := o.logger.With(slog.String("registry", conf.ID))

	server := NewServer(conf, o.output)
	for _, step := range lifecycle.Supported(impl) {
		fn, err := lifecycle.Lookup(impl, step)
		if err != nil {
			return err
		}
		if err := server.RegisterHandlers(Handler{
			Location: transport.StepPath(step),
			Handler:  stepHandler(fn, logger.With(slog.String("step", step.String()))),
		}); err != nil {
			return err
		}
	}

	return server.Start(ctx)
}

func stepHandler(fn lifecycle.StepFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			transport.NewError(fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed).Write(w)
			return
		}

		req, err := transport.DecodeJSONRequestBody[transport.StepRequest](r)
		if err != nil {
			transport.NewError(err, http.StatusBadRequest).Write(w)
			return
		}

		rc := req.Context
		if rc == nil {
			rc = &lifecycle.Context{}
		}
		rc.Logger = logger

		if err := fn(r.Context(), req.Options, rc); err != nil {
			logger.ErrorContext(r.Context(), "step failed", "error", err.Error())
			transport.NewError(err, http.StatusInternalServerError).Write(w)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// DecodeOptions decodes the generic options into target, using its json tags.
// Unknown options are ignored since the configuration is shared with other plugins.
func DecodeOptions(opts lifecycle.Options, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(opts)); err != nil {
		return fmt.Errorf("invalid plugin options: %w", err)
	}
	return nil
}
