package domain

import "errors"

var (
	ErrUnknownBuild          = errors.New("unknown build")
	ErrDuplicateBuild        = errors.New("duplicate build")
	ErrBuildAlreadyComplete  = errors.New("build already complete")
	ErrNotFound              = errors.New("not found")
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotConnected          = errors.New("not connected")
)

// ProtocolError reports a message that could not be decoded or is
// missing required fields. It is answered with an error reply and the
// connection stays open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

func protocolErrorf(reason string) error { return &ProtocolError{Reason: reason} }

const (
	CodeProtocol             = "protocol"
	CodeUnknownBuild         = "unknown_build"
	CodeDuplicateBuild       = "duplicate_build"
	CodeBuildAlreadyComplete = "build_already_complete"
	CodeNotFound             = "not_found"
	CodeInternal             = "internal"
)

// ErrorCode maps an error to the code carried in an error reply.
func ErrorCode(err error) string {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return CodeProtocol
	case errors.Is(err, ErrUnknownBuild):
		return CodeUnknownBuild
	case errors.Is(err, ErrDuplicateBuild):
		return CodeDuplicateBuild
	case errors.Is(err, ErrBuildAlreadyComplete):
		return CodeBuildAlreadyComplete
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
