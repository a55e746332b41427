package session

import (
	"github.com/fyrsmithlabs/sessionrag/internal/sanitize"
	"github.com/fyrsmithlabs/sessionrag/internal/vectorstore"
)

// Key identifies a session.
type Key struct {
	User    string
	Session string
}

// String renders the key as user/session.
func (k Key) String() string {
	return k.User + "/" + k.Session
}

// Validate checks both ids.
func (k Key) Validate() error {
	if err := sanitize.ValidateID("user", k.User); err != nil {
		return err
	}
	return sanitize.ValidateID("session", k.Session)
}

func (k Key) scope() vectorstore.Scope {
	return vectorstore.Scope{User: k.User, Session: k.Session}
}
