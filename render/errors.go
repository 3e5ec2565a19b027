package render

import "github.com/cockroachdb/errors"

var (
	ErrInvalidOptions = errors.New("render: invalid options")
	ErrClosed         = errors.New("render: renderer closed")
	ErrPoolStopped    = errors.New("render: worker pool stopped")
)
