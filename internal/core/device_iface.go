package core

import "context"

// Frame is one encoded video frame as produced by the capture device.
type Frame []byte

// Device is the physical camera. Open must fail when the device cannot be
// acquired exclusively.
type Device interface {
	Open(ctx context.Context) (FrameReader, error)
}

// FrameReader is an opened device handle. ReadFrame blocks until the next
// frame is available.
type FrameReader interface {
	ReadFrame() (Frame, error)
	Close() error
}
