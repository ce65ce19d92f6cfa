// Package overlay builds and applies protocol overlays.
//
// A Builder turns a Selection (receive and send protocol) into an ordered
// set of Actions: one per topology channel rebinding
// channels.<name>.servers[0].$ref to "#/servers/<protocol>Server", plus a
// trigger descriptor on orderAccepted and a side-effect descriptor on
// initiateOrderDelivery. Builds are deterministic; a content Fingerprint
// identifies each action set.
//
// Three Strategy implementations hand the result to the verifier:
//
//   - InPlace patches the base spec file at the node level and writes it back atomically
//   - DocumentStrategy writes a standalone overlay artifact and leaves the base untouched
//   - Precomputed selects a pre-authored artifact for a known pair
//
// Artifacts use the OpenAPI Overlay 1.0.0 format with RFC 9535 JSONPath
// targets and are applied with github.com/speakeasy-api/openapi-overlay in
// strict mode, so a target that selects nothing is an error.
package overlay
