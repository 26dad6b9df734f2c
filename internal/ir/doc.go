// Package ir provides the constrained value types used for activity state and
// signal payloads.
//
// Activities that can move between nodes describe their state as an IRObject.
// The canonical encoding (RFC 8785 JSON with NFC strings, no floats) makes the
// encoded state byte-stable, so a digest taken before relocation can be checked
// after the state is admitted on another node.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - ir imports nothing internal
package ir
