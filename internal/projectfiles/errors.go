package projectfiles

import (
	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
)

// RemoteError 远端在响应中返回了显式 error 字段。Error() 即远端原文。
type RemoteError struct {
	RequestID string
	Type      string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote returned an empty error"
	}
	return e.Message
}

// Is 使 errors.Is(err, apperrors.ErrRemote) 成立。
func (e *RemoteError) Is(target error) bool { return target == apperrors.ErrRemote }

func validationError(op, message string) error {
	return apperrors.WithCode(apperrors.ErrInvalidInput, op, apperrors.CodeValidation, message)
}

func notConnectedError(op, message string) error {
	return apperrors.WithCode(apperrors.ErrNotConnected, op, apperrors.CodeNotConnected, message)
}

func closedError(op, message string) error {
	return apperrors.WithCode(apperrors.ErrClosed, op, apperrors.CodeClosed, message)
}
