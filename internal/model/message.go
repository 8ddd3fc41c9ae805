package model

import (
	"fmt"
	"time"
)

// IDKind distinguishes a sender-declared identifier from one the mailbox
// assigned locally.
type IDKind int

const (
	// IDDeclared is the value of the Message-ID header.
	IDDeclared IDKind = iota + 1
	// IDLocal is a folder-scoped UID, used when no Message-ID was declared.
	IDLocal
)

// ID identifies a message within one snapshot of the mailbox. IDs of
// different kinds never compare equal, so a declared identifier cannot
// collide with a local number.
type ID struct {
	Kind     IDKind
	Declared string
	Folder   string
	UID      uint32
}

// DeclaredID builds an ID from a Message-ID header value.
func DeclaredID(v string) ID {
	return ID{Kind: IDDeclared, Declared: v}
}

// LocalID builds an ID from the mailbox location of a message.
func LocalID(folder string, uid uint32) ID {
	return ID{Kind: IDLocal, Folder: folder, UID: uid}
}

// IsZero reports whether the ID was never set.
func (id ID) IsZero() bool {
	return id.Kind == 0
}

// IsDeclared reports whether the ID came from a Message-ID header.
func (id ID) IsDeclared() bool {
	return id.Kind == IDDeclared
}

func (id ID) String() string {
	switch id.Kind {
	case IDDeclared:
		return id.Declared
	case IDLocal:
		return fmt.Sprintf("%s#%d", id.Folder, id.UID)
	default:
		return "<none>"
	}
}

// Message is a normalized mail item.
type Message struct {
	ID ID

	// Folder and UID locate the message on the server.
	Folder string
	UID    uint32

	// References lists ancestor identifiers, oldest first.
	References []string

	// InReplyTo is the identifier of the immediate parent, if declared.
	InReplyTo string

	Subject   string
	Sender    string
	Timestamp time.Time
	Body      string
}

// ConversationKey returns the identity that names the conversation this
// message belongs to: the first entry of References, or the message's own
// ID when it starts a conversation.
func (m Message) ConversationKey() ID {
	if len(m.References) > 0 {
		return DeclaredID(m.References[0])
	}
	return m.ID
}

// RawMessage is a mailbox item as fetched, before normalization.
type RawMessage struct {
	Folder       string
	UID          uint32
	InternalDate time.Time

	// Literal is the full RFC 5322 message.
	Literal []byte
}
