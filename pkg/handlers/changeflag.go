package handlers

import (
	"context"

	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/flags"
	"github.com/emersion/go-imap"
)

// ChangeFlag sets or clears one flag on every handled message. With required
// flags it only touches messages that carry all of them.
type ChangeFlag struct {
	flag     flags.Ref
	value    bool
	required []flags.Ref
}

func NewChangeFlag(flag string, value bool, required ...string) *ChangeFlag {
	return &ChangeFlag{
		flag:     flags.Resolve(flag),
		value:    value,
		required: flags.ResolveAll(required),
	}
}

func (h *ChangeFlag) Handle(context.Context, *executor.DetachedMessage) error {
	return nil
}

func (h *ChangeFlag) FlagEdit(msg *executor.DetachedMessage) (executor.FlagEdit, bool) {
	for _, ref := range h.required {
		if !msg.HasFlag(ref.Flag) {
			return executor.FlagEdit{}, false
		}
	}

	if h.value {
		return executor.FlagEdit{Add: []string{h.flag.Flag}}, true
	}
	return executor.FlagEdit{Remove: []string{h.flag.Flag}}, true
}

type markSeen struct {
	executor.Handler
}

// MarkSeen wraps h so that every message it handled successfully is marked
// \Seen and drops out of an unseen-only selection.
func MarkSeen(h executor.Handler) executor.FlagEditor {
	return markSeen{Handler: h}
}

func (markSeen) FlagEdit(*executor.DetachedMessage) (executor.FlagEdit, bool) {
	return executor.FlagEdit{Add: []string{imap.SeenFlag}}, true
}
