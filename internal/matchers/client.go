// Package matchers gates handlers on regular expressions over message
// headers.
package matchers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"aaronromeo.com/tabellarium/internal/config"
	"aaronromeo.com/tabellarium/pkg/executor"
)

type ClientMessage struct {
	Subject    string
	Senders    []string
	Recipients []string
	ListID     string
}

// FromMessage extracts the matchable fields of a detached message.
func FromMessage(msg *executor.DetachedMessage) ClientMessage {
	return ClientMessage{
		Subject:    msg.Subject(),
		Senders:    addresses(msg, "From"),
		Recipients: append(addresses(msg, "To"), addresses(msg, "Cc")...),
		ListID:     strings.TrimSpace(msg.Header.Get("List-Id")),
	}
}

func addresses(msg *executor.DetachedMessage, key string) []string {
	list, err := msg.Header.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}

// MatchesClient returns true if the message satisfies all configured client matchers.
func MatchesClient(matchers *config.ClientMatchers, data ClientMessage) (bool, error) {
	if matchers == nil || matchers.IsEmpty() {
		return true, nil
	}

	checks := []struct {
		patterns []string
		values   []string
	}{
		{matchers.SubjectRegex, []string{data.Subject}},
		{matchers.SenderRegex, data.Senders},
		{matchers.RecipientsRegex, data.Recipients},
		{matchers.ListIDRegex, []string{data.ListID}},
	}
	for _, check := range checks {
		if len(check.patterns) == 0 {
			continue
		}
		ok, err := matchAnyRegex(check.patterns, check.values)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchAnyRegex(patterns []string, values []string) (bool, error) {
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		for _, value := range values {
			if re.MatchString(value) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Validate compiles every configured pattern.
func Validate(matchers *config.ClientMatchers) error {
	if matchers == nil {
		return nil
	}
	for _, patterns := range [][]string{matchers.SubjectRegex, matchers.SenderRegex, matchers.RecipientsRegex, matchers.ListIDRegex} {
		if _, err := matchAnyRegex(patterns, nil); err != nil {
			return err
		}
	}
	return nil
}

type filtered struct {
	next     executor.Handler
	matchers *config.ClientMatchers
}

type filteredEditor struct {
	filtered
	editor executor.FlagEditor
}

// Filter wraps h so that it only sees matching messages. Messages that do not
// match count as handled. Flag edits are only applied to matching messages.
func Filter(h executor.Handler, matchers *config.ClientMatchers) (executor.Handler, error) {
	if matchers == nil || matchers.IsEmpty() {
		return h, nil
	}
	if err := Validate(matchers); err != nil {
		return nil, err
	}

	f := filtered{next: h, matchers: matchers}
	if editor, ok := h.(executor.FlagEditor); ok {
		return filteredEditor{filtered: f, editor: editor}, nil
	}
	return f, nil
}

func (f filtered) match(msg *executor.DetachedMessage) (bool, error) {
	return MatchesClient(f.matchers, FromMessage(msg))
}

func (f filtered) Handle(ctx context.Context, msg *executor.DetachedMessage) error {
	ok, err := f.match(msg)
	if err != nil || !ok {
		return err
	}
	return f.next.Handle(ctx, msg)
}

func (f filteredEditor) FlagEdit(msg *executor.DetachedMessage) (executor.FlagEdit, bool) {
	if ok, err := f.match(msg); err != nil || !ok {
		return executor.FlagEdit{}, false
	}
	return f.editor.FlagEdit(msg)
}
