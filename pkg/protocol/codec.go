package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrDecodeFailure is wrapped by every error produced while decoding a body
	ErrDecodeFailure = errors.New("decode failure")
	ErrUnknownType   = fmt.Errorf("%w: unknown message type", ErrDecodeFailure)
	ErrMissingField  = fmt.Errorf("%w: missing required field", ErrDecodeFailure)
	ErrInvalidFormat = fmt.Errorf("%w: invalid format", ErrDecodeFailure)

	// ErrInvalidMessage is returned when encoding a message that violates its own invariants
	ErrInvalidMessage = errors.New("invalid message")
)

// wireBody is the JSON object carried inside an envelope.
// Pointer fields distinguish "absent" from "zero" so required fields can be enforced.
type wireBody struct {
	Type         *int      `json:"type"`
	ID           uint32    `json:"id"`
	Timestamp    int64     `json:"timestamp"`
	Account      *string   `json:"account,omitempty"`
	Username     *string   `json:"username,omitempty"`
	Password     *string   `json:"password,omitempty"`
	Status       *int      `json:"status,omitempty"`
	Message      *string   `json:"message,omitempty"`
	Sender       *string   `json:"sender,omitempty"`
	Receiver     *string   `json:"receiver,omitempty"`
	Content      *string   `json:"content,omitempty"`
	Action       *string   `json:"action,omitempty"`
	ErrorCode    *int      `json:"errorCode,omitempty"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	Users        *[]string `json:"users,omitempty"`
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// optional returns nil for empty strings so they are left out of the body
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MarshalBody encodes a message into its JSON body (no length prefix)
func MarshalBody(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}

	h := msg.MessageHeader()
	w := wireBody{
		Type:      intPtr(int(msg.Type())),
		ID:        h.ID,
		Timestamp: h.Timestamp,
	}

	switch m := msg.(type) {
	case *RegisterRequest:
		w.Username = strPtr(m.Username)
		w.Password = strPtr(m.Password)
	case *RegisterResponse:
		w.Status = intPtr(int(m.Status))
		w.Account = optional(m.Account)
		w.Message = optional(m.Message)
	case *LoginRequest:
		w.Account = strPtr(m.Account)
		w.Password = strPtr(m.Password)
	case *LoginResponse:
		w.Status = intPtr(int(m.Status))
		w.Account = optional(m.Account)
		w.Username = optional(m.Username)
		w.Message = optional(m.Message)
	case *Logout, *UserListRequest, *Heartbeat:
		// header only
	case *BroadcastMessage:
		w.Sender = strPtr(m.Sender)
		w.Content = strPtr(m.Content)
	case *PrivateMessage:
		if m.Receiver == "" {
			return nil, fmt.Errorf("%w: private message without receiver", ErrInvalidMessage)
		}
		w.Sender = strPtr(m.Sender)
		w.Receiver = strPtr(m.Receiver)
		w.Content = strPtr(m.Content)
	case *UserListResponse:
		users := m.Users
		if users == nil {
			users = []string{}
		}
		w.Users = &users
	case *UserStatusUpdate:
		w.Action = strPtr(m.Action)
		w.Username = optional(m.Username)
	case *ErrorMessage:
		w.ErrorCode = intPtr(int(m.ErrorCode))
		w.ErrorMessage = strPtr(m.ErrorMessage)
	default:
		return nil, fmt.Errorf("%w: unsupported variant %T", ErrInvalidMessage, msg)
	}

	return json.Marshal(&w)
}

// UnmarshalBody decodes a JSON body into a message.
// All errors wrap ErrDecodeFailure.
func UnmarshalBody(body []byte) (Message, error) {
	var w wireBody
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	h := Header{ID: w.ID, Timestamp: w.Timestamp}
	if *w.Type < 0 || *w.Type > 0xFF {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, *w.Type)
	}

	switch t := MessageType(*w.Type); t {
	case TypeRegisterRequest:
		if err := requireFields(w.Username, "username", w.Password, "password"); err != nil {
			return nil, err
		}
		return &RegisterRequest{Header: h, Username: *w.Username, Password: *w.Password}, nil

	case TypeRegisterResponse:
		if w.Status == nil {
			return nil, fmt.Errorf("%w: status", ErrMissingField)
		}
		return &RegisterResponse{Header: h, Status: Status(*w.Status), Account: deref(w.Account), Message: deref(w.Message)}, nil

	case TypeLoginRequest:
		if err := requireFields(w.Account, "account", w.Password, "password"); err != nil {
			return nil, err
		}
		return &LoginRequest{Header: h, Account: *w.Account, Password: *w.Password}, nil

	case TypeLoginResponse:
		if w.Status == nil {
			return nil, fmt.Errorf("%w: status", ErrMissingField)
		}
		return &LoginResponse{
			Header:   h,
			Status:   Status(*w.Status),
			Account:  deref(w.Account),
			Username: deref(w.Username),
			Message:  deref(w.Message),
		}, nil

	case TypeLogout:
		return &Logout{Header: h}, nil

	case TypeBroadcastMessage:
		if err := requireFields(w.Sender, "sender", w.Content, "content"); err != nil {
			return nil, err
		}
		if w.Receiver != nil && *w.Receiver != "" {
			return nil, fmt.Errorf("%w: broadcast message carries a receiver", ErrInvalidFormat)
		}
		return &BroadcastMessage{Header: h, Sender: *w.Sender, Content: *w.Content}, nil

	case TypePrivateMessage:
		if err := requireFields(w.Sender, "sender", w.Content, "content", w.Receiver, "receiver"); err != nil {
			return nil, err
		}
		if *w.Receiver == "" {
			return nil, fmt.Errorf("%w: private message with empty receiver", ErrInvalidFormat)
		}
		return &PrivateMessage{Header: h, Sender: *w.Sender, Receiver: *w.Receiver, Content: *w.Content}, nil

	case TypeUserListRequest:
		return &UserListRequest{Header: h}, nil

	case TypeUserListResponse:
		if w.Users == nil {
			return nil, fmt.Errorf("%w: users", ErrMissingField)
		}
		users := *w.Users
		if len(users) == 0 {
			users = nil
		}
		return &UserListResponse{Header: h, Users: users}, nil

	case TypeUserStatusUpdate:
		if w.Action == nil {
			return nil, fmt.Errorf("%w: action", ErrMissingField)
		}
		if *w.Action != ActionLogout && *w.Action != ActionLeave {
			return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidFormat, *w.Action)
		}
		return &UserStatusUpdate{Header: h, Action: *w.Action, Username: deref(w.Username)}, nil

	case TypeHeartbeat:
		return &Heartbeat{Header: h}, nil

	case TypeErrorMessage:
		if w.ErrorCode == nil {
			return nil, fmt.Errorf("%w: errorCode", ErrMissingField)
		}
		if w.ErrorMessage == nil {
			return nil, fmt.Errorf("%w: errorMessage", ErrMissingField)
		}
		return &ErrorMessage{Header: h, ErrorCode: Status(*w.ErrorCode), ErrorMessage: *w.ErrorMessage}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

// requireFields checks (value, name) pairs and reports the first absent field
func requireFields(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if p, _ := pairs[i].(*string); p == nil {
			return fmt.Errorf("%w: %s", ErrMissingField, pairs[i+1])
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Encode returns the complete envelope (length prefix and body) for a message
func Encode(msg Message) ([]byte, error) {
	body, err := MarshalBody(msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses an envelope body. A zero-length body is a keep-alive and
// decodes to (nil, nil).
func Decode(body []byte) (Message, error) {
	if len(body) == 0 {
		return nil, nil
	}
	return UnmarshalBody(body)
}

// DecodeEnvelope parses a complete envelope and rejects trailing bytes
func DecodeEnvelope(envelope []byte) (Message, error) {
	r := bytes.NewReader(envelope)
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, ErrTrailingData
	}
	return Decode(body)
}

// WriteMessage encodes a message and writes it as one envelope in a single Write
func WriteMessage(w io.Writer, msg Message) error {
	body, err := MarshalBody(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadMessage reads one envelope and decodes its body.
// Frame errors (io.EOF, short reads, ErrMessageTooLarge) are returned as-is;
// body errors wrap ErrDecodeFailure and leave the stream positioned at the next envelope.
func ReadMessage(r io.Reader) (Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
