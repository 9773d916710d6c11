package protocol

import (
	"math/rand"
	"time"
)

// Header carries the fields common to every message.
// ID is diagnostic only: it is not unique and nothing deduplicates on it.
type Header struct {
	ID        uint32
	Timestamp int64 // Unix seconds
}

// NewHeader stamps a header with the current time and a fresh ID
func NewHeader() Header {
	now := time.Now().Unix()
	return Header{ID: NewMessageID(now), Timestamp: now}
}

// NewMessageID composes an ID from the low 24 bits of the timestamp and 8 random bits
func NewMessageID(unixSeconds int64) uint32 {
	timestampPart := (uint32(unixSeconds) & 0xFFFFFF) << 8
	randomPart := rand.Uint32() & 0xFF
	return timestampPart | randomPart
}

// MessageHeader returns the common header
func (h Header) MessageHeader() Header {
	return h
}

// Message is the closed set of protocol messages.
// Every variant is a pointer to one of the structs below.
type Message interface {
	Type() MessageType
	MessageHeader() Header
	isMessage()
}

// RegisterRequest (1) - create an account and log in
type RegisterRequest struct {
	Header
	Username string
	Password string
}

// RegisterResponse (2) - registration result; Account is set on success
type RegisterResponse struct {
	Header
	Status  Status
	Account string
	Message string
}

// LoginRequest (3) - authenticate with account number and password
type LoginRequest struct {
	Header
	Account  string
	Password string
}

// LoginResponse (4) - login result
type LoginResponse struct {
	Header
	Status   Status
	Account  string
	Username string
	Message  string
}

// Logout (5) - equivalent to a "logout" status update
type Logout struct {
	Header
}

// BroadcastMessage (10) - chat line for every authenticated session
type BroadcastMessage struct {
	Header
	Sender  string
	Content string
}

// PrivateMessage (11) - chat line for exactly one account
type PrivateMessage struct {
	Header
	Sender   string
	Receiver string
	Content  string
}

// UserListRequest (20)
type UserListRequest struct {
	Header
}

// UserListResponse (21) - online account numbers
type UserListResponse struct {
	Header
	Users []string
}

// UserStatusUpdate (22) - "logout" returns to pending, "leave" closes the session
type UserStatusUpdate struct {
	Header
	Action   string
	Username string
}

// Heartbeat (30)
type Heartbeat struct {
	Header
}

// ErrorMessage (31)
type ErrorMessage struct {
	Header
	ErrorCode    Status
	ErrorMessage string
}

func (*RegisterRequest) Type() MessageType  { return TypeRegisterRequest }
func (*RegisterResponse) Type() MessageType { return TypeRegisterResponse }
func (*LoginRequest) Type() MessageType     { return TypeLoginRequest }
func (*LoginResponse) Type() MessageType    { return TypeLoginResponse }
func (*Logout) Type() MessageType           { return TypeLogout }
func (*BroadcastMessage) Type() MessageType { return TypeBroadcastMessage }
func (*PrivateMessage) Type() MessageType   { return TypePrivateMessage }
func (*UserListRequest) Type() MessageType  { return TypeUserListRequest }
func (*UserListResponse) Type() MessageType { return TypeUserListResponse }
func (*UserStatusUpdate) Type() MessageType { return TypeUserStatusUpdate }
func (*Heartbeat) Type() MessageType        { return TypeHeartbeat }
func (*ErrorMessage) Type() MessageType     { return TypeErrorMessage }

func (*RegisterRequest) isMessage()  {}
func (*RegisterResponse) isMessage() {}
func (*LoginRequest) isMessage()     {}
func (*LoginResponse) isMessage()    {}
func (*Logout) isMessage()           {}
func (*BroadcastMessage) isMessage() {}
func (*PrivateMessage) isMessage()   {}
func (*UserListRequest) isMessage()  {}
func (*UserListResponse) isMessage() {}
func (*UserStatusUpdate) isMessage() {}
func (*Heartbeat) isMessage()        {}
func (*ErrorMessage) isMessage()     {}

func NewRegisterRequest(username, password string) *RegisterRequest {
	return &RegisterRequest{Header: NewHeader(), Username: username, Password: password}
}

func NewRegisterResponse(status Status, account, message string) *RegisterResponse {
	return &RegisterResponse{Header: NewHeader(), Status: status, Account: account, Message: message}
}

func NewLoginRequest(account, password string) *LoginRequest {
	return &LoginRequest{Header: NewHeader(), Account: account, Password: password}
}

func NewLoginResponse(status Status, account, username, message string) *LoginResponse {
	return &LoginResponse{Header: NewHeader(), Status: status, Account: account, Username: username, Message: message}
}

func NewLogout() *Logout {
	return &Logout{Header: NewHeader()}
}

func NewBroadcastMessage(sender, content string) *BroadcastMessage {
	return &BroadcastMessage{Header: NewHeader(), Sender: sender, Content: content}
}

func NewPrivateMessage(sender, receiver, content string) *PrivateMessage {
	return &PrivateMessage{Header: NewHeader(), Sender: sender, Receiver: receiver, Content: content}
}

func NewUserListRequest() *UserListRequest {
	return &UserListRequest{Header: NewHeader()}
}

func NewUserListResponse(users []string) *UserListResponse {
	return &UserListResponse{Header: NewHeader(), Users: users}
}

func NewUserStatusUpdate(action string) *UserStatusUpdate {
	return &UserStatusUpdate{Header: NewHeader(), Action: action}
}

func NewHeartbeat() *Heartbeat {
	return &Heartbeat{Header: NewHeader()}
}

func NewErrorMessage(code Status, message string) *ErrorMessage {
	return &ErrorMessage{Header: NewHeader(), ErrorCode: code, ErrorMessage: message}
}
