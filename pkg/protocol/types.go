package protocol

import "fmt"

// MessageType is the numeric tag carried in every envelope body
type MessageType uint8

// Authentication
const (
	TypeRegisterRequest  MessageType = 1
	TypeRegisterResponse MessageType = 2
	TypeLoginRequest     MessageType = 3
	TypeLoginResponse    MessageType = 4
	TypeLogout           MessageType = 5
)

// Chat
const (
	TypeBroadcastMessage MessageType = 10
	TypePrivateMessage   MessageType = 11
	TypeMessageAck       MessageType = 12 // reserved, not decodable
)

// Users
const (
	TypeUserListRequest  MessageType = 20
	TypeUserListResponse MessageType = 21
	TypeUserStatusUpdate MessageType = 22
)

// System
const (
	TypeHeartbeat    MessageType = 30
	TypeErrorMessage MessageType = 31
)

func (t MessageType) String() string {
	switch t {
	case TypeRegisterRequest:
		return "REGISTER_REQUEST"
	case TypeRegisterResponse:
		return "REGISTER_RESPONSE"
	case TypeLoginRequest:
		return "LOGIN_REQUEST"
	case TypeLoginResponse:
		return "LOGIN_RESPONSE"
	case TypeLogout:
		return "LOGOUT"
	case TypeBroadcastMessage:
		return "BROADCAST_MESSAGE"
	case TypePrivateMessage:
		return "PRIVATE_MESSAGE"
	case TypeMessageAck:
		return "MESSAGE_ACK"
	case TypeUserListRequest:
		return "USER_LIST_REQUEST"
	case TypeUserListResponse:
		return "USER_LIST_RESPONSE"
	case TypeUserStatusUpdate:
		return "USER_STATUS_UPDATE"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeErrorMessage:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Status is the result code carried by register/login responses.
// Error messages reuse the same code space for errorCode.
type Status int

const (
	StatusSuccess           Status = 0
	StatusError             Status = 1
	StatusTimeout           Status = 2
	StatusUserNotFound      Status = 3
	StatusUserAlreadyExists Status = 4
	StatusInvalidFormat     Status = 5
	StatusUnauthorized      Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	case StatusUserNotFound:
		return "user_not_found"
	case StatusUserAlreadyExists:
		return "user_already_exists"
	case StatusInvalidFormat:
		return "invalid_format"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Status update actions
const (
	ActionLogout = "logout"
	ActionLeave  = "leave"
)
