package protocol

import (
	"bytes"
	"io"
	"testing"

	"pgregory.net/rapid"
)

func genHeader(t *rapid.T) Header {
	return Header{
		ID:        rapid.Uint32().Draw(t, "id"),
		Timestamp: rapid.Int64Range(0, 1<<40).Draw(t, "timestamp"),
	}
}

func genStatus(t *rapid.T) Status {
	return Status(rapid.IntRange(0, 6).Draw(t, "status"))
}

func genAccount(t *rapid.T, label string) string {
	return rapid.StringMatching(`[1-9][0-9]{8,9}`).Draw(t, label)
}

// genMessage draws any decodable message variant
func genMessage(t *rapid.T) Message {
	h := genHeader(t)
	text := func(label string) string { return rapid.String().Draw(t, label) }

	switch rapid.IntRange(0, 11).Draw(t, "variant") {
	case 0:
		return &RegisterRequest{Header: h, Username: text("username"), Password: text("password")}
	case 1:
		return &RegisterResponse{Header: h, Status: genStatus(t), Account: text("account"), Message: text("message")}
	case 2:
		return &LoginRequest{Header: h, Account: text("account"), Password: text("password")}
	case 3:
		return &LoginResponse{Header: h, Status: genStatus(t), Account: text("account"), Username: text("username"), Message: text("message")}
	case 4:
		return &Logout{Header: h}
	case 5:
		return &BroadcastMessage{Header: h, Sender: genAccount(t, "sender"), Content: text("content")}
	case 6:
		return &PrivateMessage{Header: h, Sender: genAccount(t, "sender"), Receiver: genAccount(t, "receiver"), Content: text("content")}
	case 7:
		return &UserListRequest{Header: h}
	case 8:
		users := rapid.SliceOf(rapid.StringMatching(`[1-9][0-9]{8}`)).Draw(t, "users")
		if len(users) == 0 {
			users = nil
		}
		return &UserListResponse{Header: h, Users: users}
	case 9:
		action := rapid.SampledFrom([]string{ActionLogout, ActionLeave}).Draw(t, "action")
		return &UserStatusUpdate{Header: h, Action: action, Username: text("username")}
	case 10:
		return &Heartbeat{Header: h}
	default:
		return &ErrorMessage{Header: h, ErrorCode: genStatus(t), ErrorMessage: text("errorMessage")}
	}
}

// TestMessageRoundTrip checks decode(encode(m)) == m for every variant
func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := genMessage(t)

		envelope, err := Encode(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeEnvelope(envelope)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		reencoded, err := Encode(decoded)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(envelope, reencoded) {
			t.Fatalf("envelope mismatch:\n got %q\nwant %q", reencoded, envelope)
		}
		if decoded.Type() != original.Type() {
			t.Fatalf("type mismatch: got %s, want %s", decoded.Type(), original.Type())
		}
		if decoded.MessageHeader() != original.MessageHeader() {
			t.Fatalf("header mismatch: got %+v, want %+v", decoded.MessageHeader(), original.MessageHeader())
		}
	})
}

// TestStreamRoundTrip writes a sequence of messages and reads them back through
// a reader that returns data in arbitrary chunk sizes
func TestStreamRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgs := rapid.SliceOfN(rapid.Custom(genMessage), 1, 20).Draw(t, "messages")
		chunk := rapid.IntRange(1, 64).Draw(t, "chunk")

		var buf bytes.Buffer
		for _, m := range msgs {
			if err := WriteMessage(&buf, m); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		}

		r := &chunkReader{data: buf.Bytes(), chunk: chunk}
		for i, want := range msgs {
			got, err := ReadMessage(r)
			if err != nil {
				t.Fatalf("read %d failed: %v", i, err)
			}
			if got.Type() != want.Type() || got.MessageHeader() != want.MessageHeader() {
				t.Fatalf("message %d mismatch: got %+v, want %+v", i, got, want)
			}
		}
	})
}

type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.chunk, len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}
