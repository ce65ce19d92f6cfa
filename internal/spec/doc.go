// Package spec models the asynchronous API specification document that
// protocol overlays are applied to.
//
// A Document keeps the decoded yaml.Node tree so that in-place mutation can
// serialize it back with untouched nodes (ordering, comments, scalar
// styles) preserved. A typed view of channels, servers and operations is
// computed from the tree for lookups.
//
// Validate checks the structural subset rebinding depends on with an
// embedded CUE schema (schema.cue) and that every channel server reference
// resolves to a declared server.
package spec
