//go:build linux

package server

import "github.com/tinyrange/kmsd/internal/protocol"

// Entity is a connected client and the identity it registered.
type Entity struct {
	conn *Connection

	Class       string
	Title       string
	Version     uint32
	Author      string
	Description string

	registered bool
}

func NewEntity(conn *Connection) *Entity {
	return &Entity{conn: conn}
}

func (e *Entity) ID() uint32 { return e.conn.ID() }

func (e *Entity) Connection() *Connection { return e.conn }

func (e *Entity) Registered() bool { return e.registered }

// Register records the client identity. A second registration replaces the first.
func (e *Entity) Register(class, title string, version uint32, author, description string) {
	e.Class = class
	e.Title = title
	e.Version = version
	e.Author = author
	e.Description = description
	e.registered = true
}

func (e *Entity) Send(m *protocol.Message) error { return e.conn.Send(m) }

// Close shuts the connection down.
func (e *Entity) Close() error { return e.conn.Shutdown() }
