package model

import "errors"

type ErrorCode string

const (
	CodeAuthRequired       ErrorCode = "auth_required"
	CodeInvalidToken       ErrorCode = "invalid_token"
	CodeForbidden          ErrorCode = "forbidden"
	CodeInviteExpired      ErrorCode = "invite_expired"
	CodeInviteRoomMismatch ErrorCode = "invite_room_mismatch"
	CodeRoomNotFound       ErrorCode = "room_not_found"
	CodeInvalidMessage     ErrorCode = "invalid_message"
	CodeUnknownType        ErrorCode = "unknown_type"
	CodeInvalidPayload     ErrorCode = "invalid_payload"
	CodeNotInRoom          ErrorCode = "not_in_room"
	CodeRoomReplaced       ErrorCode = "room_replaced"
	CodeSessionReplaced    ErrorCode = "session_replaced"
	CodeInternal           ErrorCode = "internal"
)

// Error is an error that is reported to clients as-is.
// Two errors are considered equal by errors.Is when their codes match.
type Error struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrAuthRequired       = NewError(CodeAuthRequired, "authentication required")
	ErrInvalidToken       = NewError(CodeInvalidToken, "invalid token")
	ErrForbidden          = NewError(CodeForbidden, "forbidden")
	ErrInviteExpired      = NewError(CodeInviteExpired, "invite expired")
	ErrInviteRoomMismatch = NewError(CodeInviteRoomMismatch, "invite is not valid for this room")
	ErrRoomNotFound       = NewError(CodeRoomNotFound, "room not found")
	ErrInvalidMessage     = NewError(CodeInvalidMessage, "malformed envelope")
	ErrUnknownType        = NewError(CodeUnknownType, "unknown message type")
	ErrInvalidPayload     = NewError(CodeInvalidPayload, "invalid payload")
	ErrNotInRoom          = NewError(CodeNotInRoom, "not in a room")
	ErrRoomReplaced       = NewError(CodeRoomReplaced, "room was replaced by a new room with the same id")
	ErrSessionReplaced    = NewError(CodeSessionReplaced, "client id was taken over by another connection")
)

// CodeOf returns the client-facing code carried by err, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// PayloadOf converts err into an error envelope payload.
// Errors without a code are reported without their internal details.
func PayloadOf(err error) ErrorPayload {
	var e *Error
	if errors.As(err, &e) {
		return ErrorPayload{Code: e.Code, Message: e.Message}
	}
	return ErrorPayload{Code: CodeInternal, Message: "internal error"}
}
