package mock

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	imap "github.com/emersion/go-imap"
	gomock "go.uber.org/mock/gomock"
)

// SetupLogger sets up a logger that only outputs if the test fails
func SetupLogger(t *testing.T) *slog.Logger {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Cleanup(func() {
		if t.Failed() {
			os.Stdout.Write(buf.Bytes()) //nolint:errcheck
		}
	})

	return logger
}

// StringLiteral is a simple imap.Literal implementation that wraps a string.
type StringLiteral struct {
	s   string
	pos int
}

// NewStringLiteral creates a new StringLiteral based on a string.
func NewStringLiteral(s string) *StringLiteral {
	return &StringLiteral{s: s}
}

func (l *StringLiteral) Read(p []byte) (n int, err error) {
	if l.pos >= len(l.s) {
		return 0, io.EOF
	}

	n = copy(p, l.s[l.pos:])
	l.pos += n

	return n, nil
}

// Len returns the length of the underlying string.
func (l *StringLiteral) Len() int {
	return len(l.s)
}

// ServeMailboxes answers a List call with the given mailbox names.
func ServeMailboxes(names ...string) func(string, string, chan *imap.MailboxInfo) error {
	return func(_, _ string, ch chan *imap.MailboxInfo) error {
		for _, name := range names {
			ch <- &imap.MailboxInfo{Name: name, Delimiter: "/"}
		}
		close(ch)
		return nil
	}
}

// ServeMessages answers a UidFetch call with msgs, keeping only the ones whose
// UID is in the requested set.
func ServeMessages(msgs ...*imap.Message) func(*imap.SeqSet, []imap.FetchItem, chan *imap.Message) error {
	return func(seqset *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
		for _, msg := range msgs {
			if seqset.Contains(msg.Uid) {
				ch <- msg
			}
		}
		close(ch)
		return nil
	}
}

// FailFetch answers a UidFetch call with err.
func FailFetch(err error) func(*imap.SeqSet, []imap.FetchItem, chan *imap.Message) error {
	return func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
		close(ch)
		return err
	}
}

// FlagMessage builds a fetch response carrying only flags.
func FlagMessage(uid, seqNum uint32, flags ...string) *imap.Message {
	msg := imap.NewMessage(seqNum, []imap.FetchItem{imap.FetchUid, imap.FetchFlags})
	msg.Uid = uid
	msg.Flags = flags
	return msg
}

// BodyMessage builds a fetch response for a full detach of raw.
func BodyMessage(uid, seqNum uint32, raw string, flags ...string) *imap.Message {
	section := &imap.BodySectionName{}
	msg := imap.NewMessage(seqNum, []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchRFC822Size})
	msg.Uid = uid
	msg.Flags = flags
	msg.Size = uint32(len(raw))
	msg.Body = map[*imap.BodySectionName]imap.Literal{section: bytes.NewBufferString(raw)}
	return msg
}

// storeMatcher matches the value argument of a UidStore call.
type storeMatcher struct {
	flags []string
}

func (m storeMatcher) Matches(x interface{}) bool {
	values, ok := x.([]interface{})
	if !ok || len(values) != len(m.flags) {
		return false
	}
	for i, v := range values {
		s := fmt.Sprint(v)
		if !strings.EqualFold(s, m.flags[i]) {
			return false
		}
	}
	return true
}

func (m storeMatcher) String() string {
	return fmt.Sprintf("stores flags %v", m.flags)
}

// StoresFlags matches the flag list passed to UidStore.
func StoresFlags(flags ...string) gomock.Matcher {
	return storeMatcher{flags: flags}
}

// UIDSet matches a sequence set holding exactly uid.
func UIDSet(uid uint32) gomock.Matcher {
	return gomock.Cond(func(x any) bool {
		seqset, ok := x.(*imap.SeqSet)
		return ok && seqset.String() == fmt.Sprint(uid)
	})
}
