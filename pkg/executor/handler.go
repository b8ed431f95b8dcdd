package executor

import (
	"context"

	"github.com/pkg/errors"
)

// Handler processes one detached message. A returned error (or a panic) marks
// the message as failed and rolls its flags back.
type Handler interface {
	Handle(ctx context.Context, msg *DetachedMessage) error
}

type HandlerFunc func(ctx context.Context, msg *DetachedMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *DetachedMessage) error {
	return f(ctx, msg)
}

// FlagEdit is a flag change applied to the live message.
type FlagEdit struct {
	Add    []string
	Remove []string
}

func (e FlagEdit) Empty() bool {
	return len(e.Add) == 0 && len(e.Remove) == 0
}

// FlagEditor is implemented by handlers that change flags on the server. The
// edit is applied once Handle succeeded; a failed edit counts as a failed
// message.
type FlagEditor interface {
	Handler
	FlagEdit(msg *DetachedMessage) (FlagEdit, bool)
}

func safeHandle(ctx context.Context, h Handler, msg *DetachedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}

func safeFlagEdit(editor FlagEditor, msg *DetachedMessage) (edit FlagEdit, apply bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("flag edit panicked: %v", r)
		}
	}()
	edit, apply = editor.FlagEdit(msg)
	return edit, apply, nil
}
