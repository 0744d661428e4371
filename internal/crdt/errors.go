package crdt

import "errors"

var (
	// ErrDecode reports malformed update bytes or content. State is unchanged.
	ErrDecode = errors.New("malformed update")

	// ErrKindMismatch reports an operation that assumes a different content kind.
	ErrKindMismatch = errors.New("content kind mismatch")

	// ErrOutOfRange reports a local edit position outside the document.
	ErrOutOfRange = errors.New("position out of range")
)
