// Package handlers holds the message handlers the executor's ForEach can
// drive: printing, printing to a file, changing flags and archiving to S3.
package handlers

import (
	"bytes"
	"context"
	"io"
	"sync"

	"aaronromeo.com/tabellarium/pkg/executor"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/pkg/errors"
)

const (
	MessageStartDelimiter       = "=== Message Start ==="
	MessageHeadersDelimiter     = "=== Message Headers ==="
	MessageContentDelimiter     = "=== Message Content ==="
	MessageContentPartDelimiter = "=== Message Content Part ==="
	MessageEndDelimiter         = "=== Message End ==="
)

// Printer writes each message as delimited text: the headers as Name:Value
// lines followed by every leaf part of the body. A message is only written
// once it rendered completely.
type Printer struct {
	mu          sync.Mutex
	w           io.Writer
	headersOnly bool
}

func NewPrinter(w io.Writer, headersOnly bool) *Printer {
	return &Printer{w: w, headersOnly: headersOnly}
}

func (p *Printer) Handle(_ context.Context, msg *executor.DetachedMessage) error {
	entity, err := msg.Entity()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	writeLine(&buf, MessageStartDelimiter)
	printHeaders(&buf, entity.Header)
	if !p.headersOnly {
		if err := printContent(&buf, entity); err != nil {
			return err
		}
	}
	writeLine(&buf, MessageEndDelimiter)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = buf.WriteTo(p.w)
	return err
}

func printHeaders(buf *bytes.Buffer, header message.Header) {
	writeLine(buf, MessageHeadersDelimiter)
	fields := header.Fields()
	for fields.Next() {
		writeLine(buf, fields.Key()+":"+fields.Value())
	}
}

func printContent(buf *bytes.Buffer, entity *message.Entity) error {
	writeLine(buf, MessageContentDelimiter)

	return entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		if part.MultipartReader() != nil {
			return nil
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return errors.Wrap(err, "read part")
		}
		writeLine(buf, MessageContentPartDelimiter)
		writeLine(buf, string(body))
		return nil
	})
}

func writeLine(buf *bytes.Buffer, text string) {
	buf.WriteString(text)
	buf.WriteByte('\n')
}
