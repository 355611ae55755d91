// Package lifecycle describes the contract between the multi-registry adapter and an underlying
// single-registry publishing plugin.
//
// A release runs through up to four steps: verifyConditions, prepare, publish and addChannel.
// A plugin implements any subset of them. Statically typed plugins implement the matching
// single-method interfaces:
//
//	type npmPlugin struct{ npmrc string }
//
//	func (p *npmPlugin) Publish(ctx context.Context, opts lifecycle.Options, rc *lifecycle.Context) error {
//		rc.Log().InfoContext(ctx, "publishing", "registry", opts["registry"])
//		return nil
//	}
//
//	var _ lifecycle.Publisher = (*npmPlugin)(nil)
//
// Plugins whose capabilities are only known at runtime, such as plugins running in a separate
// process or in a WebAssembly runtime, implement StepProvider instead.
//
// Lookup is the single place where a plugin is asked whether it supports a step.
package lifecycle
