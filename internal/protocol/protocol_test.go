package protocol

import (
	"bytes"
	"io"
	"testing"
)

// loopback pairs a write buffer with a canned ack, so WriteMessage can be
// exercised without a real net.Conn.
type loopback struct {
	out bytes.Buffer
	ack bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.ack.Read(p) }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{Type: TypeChatMessage, Content: []byte("alice: hi")}
	body, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wantLen := headerLen + len(msg.Content)
	if len(body) != wantLen {
		t.Fatalf("len(body) = %d, want %d", len(body), wantLen)
	}

	l := &loopback{}
	l.ack.Write(ackBytes[:])
	if err := WriteMessage(l, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := readFromReader(bytes.NewReader(l.out.Bytes()))
	if err != nil {
		t.Fatalf("readFromReader: %v", err)
	}
	if got.Type != msg.Type || string(got.Content) != string(msg.Content) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

// readFromReader adapts ReadMessage (which needs a ReadWriter for the ack) to
// a plain io.Reader for test purposes, discarding the ack write.
type discardAckRW struct {
	io.Reader
}

func (d discardAckRW) Write(p []byte) (int, error) { return len(p), nil }

func readFromReader(r io.Reader) (Message, error) {
	return ReadMessage(discardAckRW{r}, MaxFrameSize)
}

func TestReadMessageRejectsTruncatedMaxSizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF}) // frameLen = 65535, but no body follows
	_, err := ReadMessage(discardAckRW{&buf}, MaxFrameSize)
	if err == nil {
		t.Fatal("expected error for truncated max-size frame")
	}
}

func TestReadMessageRejectsContentOverCap(t *testing.T) {
	msg := Message{Type: TypeChatMessage, Content: bytes.Repeat([]byte("x"), 2000)}
	body, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var outer [2]byte
	outer[0] = byte(len(body) >> 8)
	outer[1] = byte(len(body))
	var buf bytes.Buffer
	buf.Write(outer[:])
	buf.Write(body)

	_, err = ReadMessage(discardAckRW{&buf}, 1024)
	if err != ErrContentTooLarge {
		t.Fatalf("got %v, want ErrContentTooLarge", err)
	}
}

func TestEncodeRejectsFrameOverMax(t *testing.T) {
	msg := Message{Type: TypeFileTransfer, Content: make([]byte, MaxFrameSize)}
	if _, err := Encode(msg); err != ErrFrameTooLarge {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestJoinPayloadRoundTrip(t *testing.T) {
	p := JoinPayload{Name: "alice", Token: "T_A"}
	got, err := ParseJoin(EncodeJoin(p))
	if err != nil {
		t.Fatalf("ParseJoin: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestDirectMessageRoundTrip(t *testing.T) {
	out := DirectMessageOut{Recipient: "bob", Text: "hello there"}
	got, err := ParseDirectMessageOut(EncodeDirectMessageOut(out))
	if err != nil {
		t.Fatalf("ParseDirectMessageOut: %v", err)
	}
	if got != out {
		t.Fatalf("got %+v, want %+v", got, out)
	}

	in := DirectMessageIn{Sender: "alice", Recipient: "bob", Text: "hi|there"}
	gotIn, err := ParseDirectMessageIn(EncodeDirectMessageIn(in))
	if err != nil {
		t.Fatalf("ParseDirectMessageIn: %v", err)
	}
	if gotIn != in {
		t.Fatalf("got %+v, want %+v", gotIn, in)
	}
}

func TestListUsersRoundTrip(t *testing.T) {
	entries := []ListUsersEntry{
		{Name: "alice"},
		{Name: "bob", Status: "away"},
	}
	got := ParseListUsers(EncodeListUsers(entries))
	if len(got) != 2 || got[0] != entries[0] || got[1] != entries[1] {
		t.Fatalf("got %+v, want %+v", got, entries)
	}
}

func TestFileTransferRequestRoundTrip(t *testing.T) {
	out := FileTransferRequestOut{Recipient: "bob", Filename: "big.bin", FileSize: 5_000_000}
	gotOut, err := ParseFileTransferRequestOut(EncodeFileTransferRequestOut(out))
	if err != nil {
		t.Fatalf("ParseFileTransferRequestOut: %v", err)
	}
	if gotOut != out {
		t.Fatalf("got %+v, want %+v", gotOut, out)
	}

	in := FileTransferRequestIn{Sender: "alice", Recipient: "bob", Filename: "big.bin", FileSize: 5_000_000}
	gotIn, err := ParseFileTransferRequestIn(EncodeFileTransferRequestIn(in))
	if err != nil {
		t.Fatalf("ParseFileTransferRequestIn: %v", err)
	}
	if gotIn != in {
		t.Fatalf("got %+v, want %+v", gotIn, in)
	}
}

func TestFileTransferResponseRoundTrip(t *testing.T) {
	out := FileTransferResponseOut{OriginalSender: "alice", Accepted: true}
	gotOut, err := ParseFileTransferResponseOut(EncodeFileTransferResponseOut(out))
	if err != nil {
		t.Fatalf("ParseFileTransferResponseOut: %v", err)
	}
	if gotOut != out {
		t.Fatalf("got %+v, want %+v", gotOut, out)
	}

	in := FileTransferResponseIn{Recipient: "alice", Responder: "bob", Accepted: false}
	gotIn, err := ParseFileTransferResponseIn(EncodeFileTransferResponseIn(in))
	if err != nil {
		t.Fatalf("ParseFileTransferResponseIn: %v", err)
	}
	if gotIn != in {
		t.Fatalf("got %+v, want %+v", gotIn, in)
	}
}

func TestFileTransferDataRoundTrip(t *testing.T) {
	out := FileTransferOut{Recipient: "bob", Filename: "big.bin", Data: []byte{1, 2, 3, 4}}
	gotOut, err := ParseFileTransferOut(EncodeFileTransferOut(out))
	if err != nil {
		t.Fatalf("ParseFileTransferOut: %v", err)
	}
	if gotOut.Recipient != out.Recipient || gotOut.Filename != out.Filename || !bytes.Equal(gotOut.Data, out.Data) {
		t.Fatalf("got %+v, want %+v", gotOut, out)
	}

	in := FileTransferIn{Recipient: "bob", Sender: "alice", Filename: "big.bin", Data: []byte{1, 2, 3, 4}}
	gotIn, err := ParseFileTransferIn(EncodeFileTransferIn(in))
	if err != nil {
		t.Fatalf("ParseFileTransferIn: %v", err)
	}
	if gotIn.Recipient != in.Recipient || gotIn.Sender != in.Sender || gotIn.Filename != in.Filename || !bytes.Equal(gotIn.Data, in.Data) {
		t.Fatalf("got %+v, want %+v", gotIn, in)
	}
}

func TestValidateNameRules(t *testing.T) {
	valid := []string{"alice", "a", "A_1-2", "0123456789012345678901234567890a"[:32]}
	for _, n := range valid {
		if !ValidateName(n) {
			t.Errorf("ValidateName(%q) = false, want true", n)
		}
	}
	invalid := []string{"", "has space", "semi;colon", string(make([]byte, 33))}
	for _, n := range invalid {
		if ValidateName(n) {
			t.Errorf("ValidateName(%q) = true, want false", n)
		}
	}
}
