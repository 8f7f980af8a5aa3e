package filter

import (
	"context"

	"github.com/dhcgn/imap-to-files/mailbox"
	"github.com/dhcgn/imap-to-files/model"
)

// Marker includes a message when its sender or recipient contains a fixed
// substring. The match is case-sensitive and unanchored.
type Marker struct {
	text string
}

// New returns a Marker for text. An empty text disables filtering.
func New(text string) *Marker {
	return &Marker{text: text}
}

// Active reports whether a marker is configured.
func (m *Marker) Active() bool {
	return m != nil && m.text != ""
}

// Allows reports whether either field contains the marker. An inactive
// Marker allows everything.
func (m *Marker) Allows(from, to model.FieldContent) bool {
	if !m.Active() {
		return true
	}
	return from.Contains(m.text) || to.Contains(m.text)
}

// Screen fetches sender and recipient and decides inclusion. The fetched
// fields are returned so they need not be fetched again. It fails closed:
// when a fetch errors, the message is excluded and the error describes
// which field failed. The recipient is not fetched if the sender fails.
func (m *Marker) Screen(ctx context.Context, p mailbox.Provider) (model.Fields, bool, error) {
	fields := make(model.Fields, 2)

	from, err := p.Sender(ctx)
	if err != nil {
		return nil, false, screenError(p.Number, model.FieldFrom, err)
	}
	fields[model.FieldFrom] = from

	to, err := p.Recipient(ctx)
	if err != nil {
		return nil, false, screenError(p.Number, model.FieldTo, err)
	}
	fields[model.FieldTo] = to

	return fields, m.Allows(from, to), nil
}

func screenError(number uint32, failed model.Field, err error) error {
	merr := &mailbox.MaterializeError{
		Number: number,
		Status: map[model.Field]mailbox.FieldStatus{
			model.FieldFrom:    mailbox.StatusNotFetched,
			model.FieldTo:      mailbox.StatusNotFetched,
			model.FieldSubject: mailbox.StatusNotFetched,
			model.FieldBody:    mailbox.StatusNotFetched,
		},
		Errs: []error{err},
	}
	if failed == model.FieldTo {
		merr.Status[model.FieldFrom] = mailbox.StatusOK
	}
	merr.Status[failed] = mailbox.StatusFailed
	return merr
}
