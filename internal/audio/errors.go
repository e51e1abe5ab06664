package audio

import "fmt"

// StorageError reports a durable read/write failure on a chunk's
// backing file. The affected chunk is abandoned but the session keeps
// accepting new frames.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chunk storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
