package engine

import "errors"

var (
	ErrStopped  = errors.New("dispatcher stopped")
	ErrStopping = errors.New("dispatcher stopping")
	ErrNilJob   = errors.New("dispatcher: nil job")
)
