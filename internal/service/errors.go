package service

import "errors"

var (
	ErrBlobInUse         = errors.New("blob is referenced by a pending operation")
	ErrBlobNotUploaded   = errors.New("blob has not been uploaded")
	ErrOperationNotFound = errors.New("operation not found")
	ErrNotRetryable      = errors.New("operation is not in a terminal state")
	ErrNoUser            = errors.New("no signed-in user")
	ErrInvalidCapture    = errors.New("invalid capture")
)
