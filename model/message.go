package model

import (
	"fmt"
	"strings"
)

// Field identifies one of the four parts extracted from every message.
type Field int

const (
	FieldFrom Field = iota
	FieldTo
	FieldSubject
	FieldBody
)

// AllFields lists the fields in fetch and write order.
var AllFields = []Field{FieldFrom, FieldTo, FieldSubject, FieldBody}

// String returns the name used in file names and log lines.
func (f Field) String() string {
	switch f {
	case FieldFrom:
		return "from"
	case FieldTo:
		return "to"
	case FieldSubject:
		return "subject"
	case FieldBody:
		return "body"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// FileName returns the on-disk name for this field of message number.
func (f Field) FileName(number uint32) string {
	return fmt.Sprintf("%d_%s.txt", number, f)
}

// FieldContent is the raw wire payload of one fetched field, line by line.
// Lines keep their original terminators.
type FieldContent []string

// NewFieldContent splits raw bytes into lines, keeping each line ending.
func NewFieldContent(raw []byte) FieldContent {
	if len(raw) == 0 {
		return FieldContent{}
	}
	lines := strings.SplitAfter(string(raw), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return FieldContent(lines)
}

// String concatenates all lines without adding delimiters.
func (c FieldContent) String() string {
	return strings.Join(c, "")
}

// Bytes is the concatenation of all lines as written to disk.
func (c FieldContent) Bytes() []byte {
	return []byte(c.String())
}

// Contains reports whether substr occurs anywhere in the concatenated lines.
// The check is case-sensitive.
func (c FieldContent) Contains(substr string) bool {
	return strings.Contains(c.String(), substr)
}

// Fields holds field contents that were already fetched for one message.
type Fields map[Field]FieldContent

// Message is a fully fetched message. It is only ever built once all four
// fields were fetched successfully.
type Message struct {
	Number  uint32
	From    FieldContent
	To      FieldContent
	Subject FieldContent
	Body    FieldContent
}

// NewMessage builds a Message from fetched fields. It fails if any of the four
// fields is missing.
func NewMessage(number uint32, fields Fields) (Message, error) {
	for _, f := range AllFields {
		if _, ok := fields[f]; !ok {
			return Message{}, fmt.Errorf("message %d: missing field %s", number, f)
		}
	}
	return Message{
		Number:  number,
		From:    fields[FieldFrom],
		To:      fields[FieldTo],
		Subject: fields[FieldSubject],
		Body:    fields[FieldBody],
	}, nil
}

// Content returns the content of field f.
func (m Message) Content(f Field) FieldContent {
	switch f {
	case FieldFrom:
		return m.From
	case FieldTo:
		return m.To
	case FieldSubject:
		return m.Subject
	case FieldBody:
		return m.Body
	default:
		return nil
	}
}
