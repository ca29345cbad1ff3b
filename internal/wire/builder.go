package wire

import (
	"errors"
	"io"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

// NewBuilder returns a wire.Builder creating Sessions with cfg
func NewBuilder(cfg Config) wire.Builder {
	return func(conn io.ReadWriteCloser, initiator bool) (wire.Protocol, error) {
		return NewSession(conn, initiator, cfg)
	}
}

// JoinIO combines a separate reader and writer into one stream.
// Close closes whichever halves implement io.Closer.
func JoinIO(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return &joinedIO{Reader: r, Writer: w}
}

type joinedIO struct {
	io.Reader
	io.Writer
}

func (j *joinedIO) Close() error {
	var errs []error
	if c, ok := j.Reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := j.Writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
