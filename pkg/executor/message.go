package executor

import (
	"bytes"
	"io"
	"time"

	"aaronromeo.com/tabellarium/pkg/flags"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// messageHandle is a message of the open folder. It is only valid while its
// session is open.
type messageHandle struct {
	uid    uint32
	seqNum uint32
	flags  []string
	sess   *session
}

func (h *messageHandle) seqSet() *imap.SeqSet {
	seqset := new(imap.SeqSet)
	seqset.AddNum(h.uid)
	return seqset
}

func (h *messageHandle) fetchOne(items []imap.FetchItem) (*imap.Message, error) {
	if !h.sess.isOpen() {
		return nil, errors.WithStack(ErrHandleExpired)
	}

	msgs, err := h.sess.fetch(h.seqSet(), items)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Uid == h.uid {
			return msg, nil
		}
	}
	return nil, errors.Errorf("message uid %d no longer exists", h.uid)
}

// refresh reloads the current flags from the server.
func (h *messageHandle) refresh() error {
	msg, err := h.fetchOne([]imap.FetchItem{imap.FetchUid, imap.FetchFlags})
	if err != nil {
		return err
	}
	h.flags = append([]string(nil), msg.Flags...)
	h.seqNum = msg.SeqNum
	return nil
}

func (h *messageHandle) addFlags(fl ...string) error {
	return h.store(imap.AddFlags, fl)
}

func (h *messageHandle) removeFlags(fl ...string) error {
	return h.store(imap.RemoveFlags, fl)
}

func (h *messageHandle) store(op imap.FlagsOp, fl []string) error {
	if !h.sess.isOpen() {
		return errors.WithStack(ErrHandleExpired)
	}
	if len(fl) == 0 {
		return nil
	}

	values := make([]interface{}, len(fl))
	for i, f := range fl {
		values[i] = f
	}
	if err := h.sess.client.UidStore(h.seqSet(), imap.FormatFlagsOp(op, true), values, nil); err != nil {
		return errors.Wrapf(err, "store %s on uid %d", op, h.uid)
	}

	switch op {
	case imap.AddFlags:
		for _, f := range fl {
			if !flags.Contains(h.flags, f) {
				h.flags = append(h.flags, f)
			}
		}
	case imap.RemoveFlags:
		kept := h.flags[:0]
		for _, f := range h.flags {
			if !flags.Contains(fl, f) {
				kept = append(kept, f)
			}
		}
		h.flags = kept
	}
	return nil
}

// detach copies the full message without setting \Seen.
func (h *messageHandle) detach() (*DetachedMessage, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}

	msg, err := h.fetchOne(items)
	if err != nil {
		return nil, err
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, errors.Errorf("server returned no body for uid %d", h.uid)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrapf(err, "read body of uid %d", h.uid)
	}

	return newDetachedMessage(h.sess.folder, msg, raw), nil
}

// DetachedMessage is a self-contained copy of a message. Nothing done to it
// reaches the server.
type DetachedMessage struct {
	UID          uint32
	SeqNum       uint32
	Folder       string
	Flags        []string
	InternalDate time.Time
	Size         uint32
	Envelope     *imap.Envelope
	Header       mail.Header

	raw []byte
}

func newDetachedMessage(folder string, msg *imap.Message, raw []byte) *DetachedMessage {
	d := &DetachedMessage{
		UID:          msg.Uid,
		SeqNum:       msg.SeqNum,
		Folder:       folder,
		Flags:        append([]string(nil), msg.Flags...),
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
		Envelope:     msg.Envelope,
		raw:          raw,
	}

	// Best effort: a message with a broken header is still processed.
	if entity, err := message.Read(bytes.NewReader(raw)); entity != nil && (err == nil || message.IsUnknownCharset(err)) {
		d.Header = mail.Header{Header: entity.Header}
	}

	return d
}

// NewDetachedMessage builds a detached message from raw RFC 5322 bytes.
func NewDetachedMessage(folder string, uid uint32, fl []string, raw []byte) *DetachedMessage {
	return newDetachedMessage(folder, &imap.Message{Uid: uid, Flags: fl, Size: uint32(len(raw))}, raw)
}

// Raw returns a copy of the message bytes.
func (m *DetachedMessage) Raw() []byte {
	return append([]byte(nil), m.raw...)
}

func (m *DetachedMessage) Reader() io.Reader {
	return bytes.NewReader(m.raw)
}

// Entity parses the message. Unknown charsets are not an error.
func (m *DetachedMessage) Entity() (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(m.raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errors.Wrapf(err, "parse message uid %d", m.UID)
	}
	return entity, nil
}

func (m *DetachedMessage) HasFlag(flag string) bool {
	return flags.Contains(m.Flags, flag)
}

func (m *DetachedMessage) Subject() string {
	if m.Envelope != nil && m.Envelope.Subject != "" {
		return m.Envelope.Subject
	}
	subject, _ := m.Header.Subject()
	return subject
}

func (m *DetachedMessage) MessageID() string {
	if m.Envelope != nil && m.Envelope.MessageId != "" {
		return m.Envelope.MessageId
	}
	id, _ := m.Header.MessageID()
	return id
}

// Date prefers the envelope date and falls back to the internal date.
func (m *DetachedMessage) Date() time.Time {
	if m.Envelope != nil && !m.Envelope.Date.IsZero() {
		return m.Envelope.Date
	}
	if date, err := m.Header.Date(); err == nil && !date.IsZero() {
		return date
	}
	return m.InternalDate
}

// MessageSummary is the listing view of a detached message.
type MessageSummary struct {
	UID     uint32    `json:"uid"`
	Folder  string    `json:"folder"`
	Subject string    `json:"subject"`
	From    string    `json:"from"`
	Date    time.Time `json:"date"`
	Flags   []string  `json:"flags"`
	Size    uint32    `json:"size"`
}

func (m *DetachedMessage) Summary() MessageSummary {
	return MessageSummary{
		UID:     m.UID,
		Folder:  m.Folder,
		Subject: m.Subject(),
		From:    m.Header.Get("From"),
		Date:    m.Date().UTC(),
		Flags:   append([]string{}, m.Flags...),
		Size:    m.Size,
	}
}
