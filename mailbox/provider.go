package mailbox

import (
	"context"

	"github.com/dhcgn/imap-to-files/model"
)

// Provider gives lazy access to the fields of one message. It caches
// nothing: every accessor call is a new round trip to the server.
type Provider struct {
	Number uint32
	actor  *Actor
}

// NewProvider binds message number to actor.
func NewProvider(actor *Actor, number uint32) Provider {
	return Provider{Number: number, actor: actor}
}

func (p Provider) Fetch(ctx context.Context, field model.Field) (model.FieldContent, error) {
	return p.actor.Fetch(ctx, p.Number, field)
}

func (p Provider) Sender(ctx context.Context) (model.FieldContent, error) {
	return p.Fetch(ctx, model.FieldFrom)
}

func (p Provider) Recipient(ctx context.Context) (model.FieldContent, error) {
	return p.Fetch(ctx, model.FieldTo)
}

func (p Provider) Subject(ctx context.Context) (model.FieldContent, error) {
	return p.Fetch(ctx, model.FieldSubject)
}

func (p Provider) Body(ctx context.Context) (model.FieldContent, error) {
	return p.Fetch(ctx, model.FieldBody)
}

// Materialize fetches all four fields.
func (p Provider) Materialize(ctx context.Context) (model.Message, error) {
	return p.Complete(ctx, nil)
}

// Complete fetches the fields missing from known and builds the Message.
// Fields present in known are not fetched again. Every missing field is
// attempted even after a failure so the returned *MaterializeError
// describes all four.
func (p Provider) Complete(ctx context.Context, known model.Fields) (model.Message, error) {
	fields := make(model.Fields, len(model.AllFields))
	merr := newMaterializeError(p.Number)

	for _, f := range model.AllFields {
		if content, ok := known[f]; ok {
			fields[f] = content
			merr.record(f, nil)
			continue
		}
		content, err := p.Fetch(ctx, f)
		merr.record(f, err)
		if err == nil {
			fields[f] = content
		}
	}

	if merr.failed() {
		return model.Message{}, merr
	}
	return model.NewMessage(p.Number, fields)
}
