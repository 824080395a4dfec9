package protocol

import (
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrInvalidContent is returned by the Parse* helpers when content does not
// match a message type's documented layout.
var ErrInvalidContent = errors.New("protocol: invalid content")

// JoinPayload is the content of a Join message: "<name>|<token>".
type JoinPayload struct {
	Name  string
	Token string
}

func EncodeJoin(p JoinPayload) []byte {
	return []byte(p.Name + "|" + p.Token)
}

func ParseJoin(content []byte) (JoinPayload, error) {
	if !utf8.Valid(content) {
		return JoinPayload{}, ErrInvalidContent
	}
	s := string(content)
	i := strings.IndexByte(s, '|')
	if i < 0 {
		return JoinPayload{}, ErrInvalidContent
	}
	return JoinPayload{Name: s[:i], Token: s[i+1:]}, nil
}

// DirectMessageOut is the client->server DirectMessage layout: "<recipient>|<text>".
type DirectMessageOut struct {
	Recipient string
	Text      string
}

func EncodeDirectMessageOut(p DirectMessageOut) []byte {
	return []byte(p.Recipient + "|" + p.Text)
}

func ParseDirectMessageOut(content []byte) (DirectMessageOut, error) {
	if !utf8.Valid(content) {
		return DirectMessageOut{}, ErrInvalidContent
	}
	s := string(content)
	i := strings.IndexByte(s, '|')
	if i < 0 {
		return DirectMessageOut{}, ErrInvalidContent
	}
	return DirectMessageOut{Recipient: s[:i], Text: s[i+1:]}, nil
}

// DirectMessageIn is the server->client DirectMessage layout:
// "<sender>|<recipient>|<text>".
type DirectMessageIn struct {
	Sender    string
	Recipient string
	Text      string
}

func EncodeDirectMessageIn(p DirectMessageIn) []byte {
	return []byte(p.Sender + "|" + p.Recipient + "|" + p.Text)
}

func ParseDirectMessageIn(content []byte) (DirectMessageIn, error) {
	if !utf8.Valid(content) {
		return DirectMessageIn{}, ErrInvalidContent
	}
	parts := strings.SplitN(string(content), "|", 3)
	if len(parts) != 3 {
		return DirectMessageIn{}, ErrInvalidContent
	}
	return DirectMessageIn{Sender: parts[0], Recipient: parts[1], Text: parts[2]}, nil
}

// VersionMismatchPayload is "<client_ver>|<server_ver>|<readme_url>".
type VersionMismatchPayload struct {
	ClientVersion string
	ServerVersion string
	ReadmeURL     string
}

func EncodeVersionMismatch(p VersionMismatchPayload) []byte {
	return []byte(p.ClientVersion + "|" + p.ServerVersion + "|" + p.ReadmeURL)
}

func ParseVersionMismatch(content []byte) (VersionMismatchPayload, error) {
	parts := strings.SplitN(string(content), "|", 3)
	if len(parts) != 3 {
		return VersionMismatchPayload{}, ErrInvalidContent
	}
	return VersionMismatchPayload{ClientVersion: parts[0], ServerVersion: parts[1], ReadmeURL: parts[2]}, nil
}

// ListUsersEntry is one line of a ListUsers reply.
type ListUsersEntry struct {
	Name   string
	Status string // empty if no status set
}

// EncodeListUsers renders entries as newline-separated "<name>" or
// "<name> - <status>" lines.
func EncodeListUsers(entries []ListUsersEntry) []byte {
	lines := make([]string, len(entries))
	for i, e := range entries {
		if e.Status == "" {
			lines[i] = e.Name
		} else {
			lines[i] = e.Name + " - " + e.Status
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

func ParseListUsers(content []byte) []ListUsersEntry {
	if len(content) == 0 {
		return nil
	}
	lines := strings.Split(string(content), "\n")
	out := make([]ListUsersEntry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if i := strings.Index(line, " - "); i >= 0 {
			out = append(out, ListUsersEntry{Name: line[:i], Status: line[i+3:]})
		} else {
			out = append(out, ListUsersEntry{Name: line})
		}
	}
	return out
}

// --- File transfer handshake, three message types sharing u8-length-prefixed
// string fields (§6.2). ---

func putLenString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return buf
}

func getLenString(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, ErrInvalidContent
	}
	n := int(b[0])
	b = b[1:]
	if len(b) < n {
		return "", nil, ErrInvalidContent
	}
	return string(b[:n]), b[n:], nil
}

// FileTransferRequestOut is the client->server layout:
// [recipient_len:u8][recipient][filename_len:u8][filename][filesize:u64 BE].
type FileTransferRequestOut struct {
	Recipient string
	Filename  string
	FileSize  uint64
}

func EncodeFileTransferRequestOut(p FileTransferRequestOut) []byte {
	var buf []byte
	buf = putLenString(buf, p.Recipient)
	buf = putLenString(buf, p.Filename)
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], p.FileSize)
	return append(buf, sz[:]...)
}

func ParseFileTransferRequestOut(content []byte) (FileTransferRequestOut, error) {
	recipient, rest, err := getLenString(content)
	if err != nil {
		return FileTransferRequestOut{}, err
	}
	filename, rest, err := getLenString(rest)
	if err != nil {
		return FileTransferRequestOut{}, err
	}
	if len(rest) != 8 {
		return FileTransferRequestOut{}, ErrInvalidContent
	}
	return FileTransferRequestOut{
		Recipient: recipient,
		Filename:  filename,
		FileSize:  binary.BigEndian.Uint64(rest),
	}, nil
}

// FileTransferRequestIn is the server->client layout: the above prefixed
// with [sender_len][sender].
type FileTransferRequestIn struct {
	Sender    string
	Recipient string
	Filename  string
	FileSize  uint64
}

func EncodeFileTransferRequestIn(p FileTransferRequestIn) []byte {
	var buf []byte
	buf = putLenString(buf, p.Sender)
	buf = putLenString(buf, p.Recipient)
	buf = putLenString(buf, p.Filename)
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], p.FileSize)
	return append(buf, sz[:]...)
}

func ParseFileTransferRequestIn(content []byte) (FileTransferRequestIn, error) {
	sender, rest, err := getLenString(content)
	if err != nil {
		return FileTransferRequestIn{}, err
	}
	recipient, rest, err := getLenString(rest)
	if err != nil {
		return FileTransferRequestIn{}, err
	}
	filename, rest, err := getLenString(rest)
	if err != nil {
		return FileTransferRequestIn{}, err
	}
	if len(rest) != 8 {
		return FileTransferRequestIn{}, ErrInvalidContent
	}
	return FileTransferRequestIn{
		Sender:    sender,
		Recipient: recipient,
		Filename:  filename,
		FileSize:  binary.BigEndian.Uint64(rest),
	}, nil
}

// FileTransferResponseOut: [sender_len][sender][accepted:u8].
type FileTransferResponseOut struct {
	OriginalSender string
	Accepted       bool
}

func EncodeFileTransferResponseOut(p FileTransferResponseOut) []byte {
	buf := putLenString(nil, p.OriginalSender)
	if p.Accepted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func ParseFileTransferResponseOut(content []byte) (FileTransferResponseOut, error) {
	sender, rest, err := getLenString(content)
	if err != nil {
		return FileTransferResponseOut{}, err
	}
	if len(rest) != 1 {
		return FileTransferResponseOut{}, ErrInvalidContent
	}
	return FileTransferResponseOut{OriginalSender: sender, Accepted: rest[0] != 0}, nil
}

// FileTransferResponseIn: [recipient_len][recipient][responder_len][responder][accepted].
type FileTransferResponseIn struct {
	Recipient string
	Responder string
	Accepted  bool
}

func EncodeFileTransferResponseIn(p FileTransferResponseIn) []byte {
	buf := putLenString(nil, p.Recipient)
	buf = putLenString(buf, p.Responder)
	if p.Accepted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func ParseFileTransferResponseIn(content []byte) (FileTransferResponseIn, error) {
	recipient, rest, err := getLenString(content)
	if err != nil {
		return FileTransferResponseIn{}, err
	}
	responder, rest, err := getLenString(rest)
	if err != nil {
		return FileTransferResponseIn{}, err
	}
	if len(rest) != 1 {
		return FileTransferResponseIn{}, ErrInvalidContent
	}
	return FileTransferResponseIn{Recipient: recipient, Responder: responder, Accepted: rest[0] != 0}, nil
}

// FileTransferOut: [recipient_len][recipient][filename_len][filename][data].
type FileTransferOut struct {
	Recipient string
	Filename  string
	Data      []byte
}

func EncodeFileTransferOut(p FileTransferOut) []byte {
	buf := putLenString(nil, p.Recipient)
	buf = putLenString(buf, p.Filename)
	return append(buf, p.Data...)
}

func ParseFileTransferOut(content []byte) (FileTransferOut, error) {
	recipient, rest, err := getLenString(content)
	if err != nil {
		return FileTransferOut{}, err
	}
	filename, rest, err := getLenString(rest)
	if err != nil {
		return FileTransferOut{}, err
	}
	return FileTransferOut{Recipient: recipient, Filename: filename, Data: rest}, nil
}

// FileTransferIn: [recipient_len][recipient][sender_len][sender][filename_len][filename][data].
type FileTransferIn struct {
	Recipient string
	Sender    string
	Filename  string
	Data      []byte
}

func EncodeFileTransferIn(p FileTransferIn) []byte {
	buf := putLenString(nil, p.Recipient)
	buf = putLenString(buf, p.Sender)
	buf = putLenString(buf, p.Filename)
	return append(buf, p.Data...)
}

func ParseFileTransferIn(content []byte) (FileTransferIn, error) {
	recipient, rest, err := getLenString(content)
	if err != nil {
		return FileTransferIn{}, err
	}
	sender, rest, err := getLenString(rest)
	if err != nil {
		return FileTransferIn{}, err
	}
	filename, rest, err := getLenString(rest)
	if err != nil {
		return FileTransferIn{}, err
	}
	return FileTransferIn{Recipient: recipient, Sender: sender, Filename: filename, Data: rest}, nil
}

// ValidateName reports whether n satisfies the username grammar: 1..=32
// bytes, each in [A-Za-z0-9_-]. Idempotent and total per the spec's
// Testable Property 7.
func ValidateName(n string) bool {
	if len(n) < 1 || len(n) > 32 {
		return false
	}
	for i := 0; i < len(n); i++ {
		c := n[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// ValidateStatus reports whether s is an acceptable status text (<=128
// bytes of valid UTF-8). Empty clears status and is always valid.
func ValidateStatus(s string) bool {
	return len(s) <= 128 && utf8.ValidString(s)
}
