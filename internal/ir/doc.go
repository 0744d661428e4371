// Package ir provides the shared types for commonplace.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// identity, content-kind and commit vocabulary in one foundational layer
// with no circular dependencies.
//
// Key design constraints:
//   - Document identities are UUID strings; RootID names the path index
//   - Commit sequence numbers are per document, gap-free, starting at 1
//   - All JSON tags use snake_case
//   - Canonical JSON is the only serialization used for hashing and for
//     structured document materialization
package ir
