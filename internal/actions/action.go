// Package actions carries out the buttons pressed on a pushed message:
// drafting a reply, sending or discarding it, and answering invitations.
package actions

import (
	"fmt"
	"strings"

	"github.com/joshsymonds/inboxpilot/internal/gmail"
)

// Kind names an action.
type Kind string

const (
	KindDraft   Kind = "draft"
	KindSend    Kind = "send"
	KindDiscard Kind = "discard"
	KindRSVP    Kind = "rsvp"
)

// RSVP answers.
const (
	AnswerYes   = "yes"
	AnswerNo    = "no"
	AnswerMaybe = "maybe"
)

// Action is a decoded button press.
type Action struct {
	Kind      Kind
	MessageID gmail.MessageID
	Answer    string // rsvp only
}

// Data encodes a as button callback data, e.g. "rsvp:<id>:yes".
func (a Action) Data() string {
	if a.Kind == KindRSVP {
		return fmt.Sprintf("%s:%s:%s", a.Kind, a.MessageID, a.Answer)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.MessageID)
}

// Parse decodes button callback data produced by Data.
func Parse(data string) (Action, error) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 || parts[1] == "" {
		return Action{}, fmt.Errorf("malformed action %q", data)
	}
	a := Action{Kind: Kind(parts[0]), MessageID: gmail.MessageID(parts[1])}
	switch a.Kind {
	case KindDraft, KindSend, KindDiscard:
		if len(parts) != 2 {
			return Action{}, fmt.Errorf("malformed %s action %q", a.Kind, data)
		}
	case KindRSVP:
		if len(parts) != 3 {
			return Action{}, fmt.Errorf("malformed rsvp action %q", data)
		}
		switch parts[2] {
		case AnswerYes, AnswerNo, AnswerMaybe:
			a.Answer = parts[2]
		default:
			return Action{}, fmt.Errorf("unknown rsvp answer %q", parts[2])
		}
	default:
		return Action{}, fmt.Errorf("unknown action %q", parts[0])
	}
	return a, nil
}
