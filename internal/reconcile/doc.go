// Package reconcile keeps a directory tree in agreement with the documents
// bound under a path index prefix.
//
// A Client polls the directory for local changes and watches the bound
// documents for remote ones. Each file is paired with the document bound
// at the same relative path:
//
//   - new local file: create a document of the kind its extension names,
//     bind it, then push the file content
//   - changed local file: replace the document content with it
//   - removed local file: unbind the path (the document is kept)
//   - new binding: write the materialized content to a new file
//   - remote change: write it through unless the file has unpushed edits
//   - binding removed remotely: remove the file if it is unchanged
//
// A blake3 hash of the content last read or written per path suppresses
// echoes of the client's own writes. Files and directories whose names
// start with "." are ignored.
//
// Filesystem operations retry with bounded exponential backoff. A path
// that still fails is reported as a path-scoped error; other paths carry
// on.
package reconcile
