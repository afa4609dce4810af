package convo

import "errors"

var (
	// ErrSenderKeyRequired is returned when an operation names no sender.
	ErrSenderKeyRequired = errors.New("convo: sender key is required")
	// ErrFlushFuncRequired is returned when AddMessage carries no flush callback.
	ErrFlushFuncRequired = errors.New("convo: flush callback is required")
	// ErrManagerClosed is returned after Clear has torn the manager down.
	ErrManagerClosed = errors.New("convo: manager is closed")
)
