package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allVariants() []Message {
	return []Message{
		NewRegisterRequest("alice", "secret1"),
		NewRegisterResponse(StatusSuccess, "123456789", "registered"),
		NewRegisterResponse(StatusInvalidFormat, "", ""),
		NewLoginRequest("123456789", "secret1"),
		NewLoginResponse(StatusSuccess, "123456789", "alice", ""),
		NewLoginResponse(StatusUnauthorized, "", "", "invalid credentials"),
		NewLogout(),
		NewBroadcastMessage("123456789", "hello everyone"),
		NewPrivateMessage("123456789", "987654321", "psst"),
		NewUserListRequest(),
		NewUserListResponse([]string{"123456789", "987654321"}),
		NewUserStatusUpdate(ActionLogout),
		NewUserStatusUpdate(ActionLeave),
		NewHeartbeat(),
		NewErrorMessage(StatusUnauthorized, "session superseded"),
	}
}

func TestEncodeDecodeAllVariants(t *testing.T) {
	for _, msg := range allVariants() {
		t.Run(msg.Type().String(), func(t *testing.T) {
			envelope, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := DecodeEnvelope(envelope)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	for _, msg := range allVariants() {
		require.NoError(t, WriteMessage(&buf, msg))
	}
	for _, want := range allVariants() {
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Type(), got.Type())
	}
}

func TestBodyJSONKeys(t *testing.T) {
	body, err := MarshalBody(NewErrorMessage(StatusUnauthorized, "session superseded"))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.EqualValues(t, 31, fields["type"])
	assert.EqualValues(t, 6, fields["errorCode"])
	assert.Equal(t, "session superseded", fields["errorMessage"])
	assert.Contains(t, fields, "id")
	assert.Contains(t, fields, "timestamp")

	body, err = MarshalBody(NewBroadcastMessage("100000000", "hi"))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "receiver")
}

func TestDecodeHandwrittenBody(t *testing.T) {
	msg, err := Decode([]byte(`{"type":3,"id":42,"timestamp":1700000000,"account":"123456789","password":"hunter22"}`))
	require.NoError(t, err)

	login, ok := msg.(*LoginRequest)
	require.True(t, ok, "expected *LoginRequest, got %T", msg)
	assert.Equal(t, uint32(42), login.ID)
	assert.Equal(t, int64(1700000000), login.Timestamp)
	assert.Equal(t, "123456789", login.Account)
	assert.Equal(t, "hunter22", login.Password)
}

func TestDecodeZeroLengthBody(t *testing.T) {
	msg, err := Decode(nil)
	assert.NoError(t, err)
	assert.Nil(t, msg)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	msg, err = ReadMessage(&buf)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "not json", body: `hello`, want: ErrInvalidFormat},
		{name: "truncated json", body: `{"type":10,`, want: ErrInvalidFormat},
		{name: "type is a string", body: `{"type":"10"}`, want: ErrInvalidFormat},
		{name: "missing type", body: `{"id":1}`, want: ErrMissingField},
		{name: "unknown type", body: `{"type":99}`, want: ErrUnknownType},
		{name: "negative type", body: `{"type":-1}`, want: ErrUnknownType},
		{name: "reserved ack", body: `{"type":12}`, want: ErrUnknownType},
		{name: "register without password", body: `{"type":1,"username":"bob"}`, want: ErrMissingField},
		{name: "login without account", body: `{"type":3,"password":"secret1"}`, want: ErrMissingField},
		{name: "response without status", body: `{"type":2}`, want: ErrMissingField},
		{name: "broadcast without content", body: `{"type":10,"sender":"1"}`, want: ErrMissingField},
		{name: "broadcast with receiver", body: `{"type":10,"sender":"1","receiver":"2","content":"x"}`, want: ErrInvalidFormat},
		{name: "private without receiver", body: `{"type":11,"sender":"1","content":"x"}`, want: ErrMissingField},
		{name: "private with empty receiver", body: `{"type":11,"sender":"1","receiver":"","content":"x"}`, want: ErrInvalidFormat},
		{name: "status update without action", body: `{"type":22}`, want: ErrMissingField},
		{name: "status update unknown action", body: `{"type":22,"action":"dance"}`, want: ErrInvalidFormat},
		{name: "user list without users", body: `{"type":21}`, want: ErrMissingField},
		{name: "error without code", body: `{"type":31,"errorMessage":"x"}`, want: ErrMissingField},
		{name: "trailing garbage", body: `{"type":30} {}`, want: ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.body))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrDecodeFailure)
		})
	}
}

func TestDecodeLeavesStreamInSync(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":99}`)))
	require.NoError(t, WriteMessage(&buf, NewHeartbeat()))

	_, err := ReadMessage(&buf)
	require.ErrorIs(t, err, ErrUnknownType)

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.IsType(t, &Heartbeat{}, msg)
}

func TestDecodeEnvelopeTrailingData(t *testing.T) {
	envelope, err := Encode(NewHeartbeat())
	require.NoError(t, err)

	_, err = DecodeEnvelope(append(envelope, 0x00))
	assert.ErrorIs(t, err, ErrTrailingData)
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Encode(&PrivateMessage{Header: NewHeader(), Sender: "1", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeOversize(t *testing.T) {
	msg := NewBroadcastMessage("100000000", strings.Repeat("a", MaxBodySize))

	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	var buf bytes.Buffer
	assert.ErrorIs(t, WriteMessage(&buf, msg), ErrMessageTooLarge)
	assert.Equal(t, 0, buf.Len())
}

func TestEmptyUserList(t *testing.T) {
	body, err := MarshalBody(NewUserListResponse(nil))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"users":[]`)

	msg, err := Decode(body)
	require.NoError(t, err)
	assert.Empty(t, msg.(*UserListResponse).Users)
}

func TestNewMessageID(t *testing.T) {
	now := time.Now().Unix()
	id := NewMessageID(now)
	assert.Equal(t, uint32(now)&0xFFFFFF, id>>8)

	h := NewHeader()
	assert.InDelta(t, time.Now().Unix(), h.Timestamp, 2)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "LOGIN_REQUEST", TypeLoginRequest.String())
	assert.Equal(t, "ERROR", TypeErrorMessage.String())
	assert.Equal(t, "UNKNOWN(99)", MessageType(99).String())
	assert.Equal(t, "unauthorized", StatusUnauthorized.String())
	assert.Equal(t, "status(42)", Status(42).String())
}
