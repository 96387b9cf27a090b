// Package certchain handles platform certificate bundles: the archive
// served by the orchestrator, the per-platform cache and the validators
// deciding whether a chain can be trusted for a launch.
//
// A Bundle only becomes usable for key agreement once Bundle.Validate
// accepted it:
//
//	bundle, _ := certchain.NewBundle(server, files)
//	validated, err := bundle.Validate(ctx, certchain.AllOf(
//		certchain.NewStructuralValidator(false, log),
//		certchain.NewSevtoolValidator("", log),
//	))
//
// SevtoolValidator runs AMD's sevtool inside a container so that a
// malformed bundle never reaches a parser in this process. StructuralValidator
// parses the chain in process and verifies the ECDSA signatures between
// the platform keys.
package certchain
