package hub

import (
	"time"

	"uby/relay/internal/protocol"
)

// connState tracks the lifecycle of a single connection.
type connState int

const (
	stateConnected connState = iota // admitted, not yet authenticated
	stateAuthenticated
	stateClosed
)

// client is the hub-side record of one live connection. All fields are owned
// by the hub run loop; the send channel is the only hand-off point to the
// write pump.
type client struct {
	id       string
	ip       string
	conn     Conn
	send     chan []byte
	state    connState
	identity protocol.Identity
	lastSeen time.Time
}

const sendBuffer = 256

// writePump drains the send channel into the transport. It exits when the
// hub closes the channel, and closing the underlying conn afterwards also
// unblocks any transport-side reader.
func (c *client) writePump() {
	for frame := range c.send {
		_ = c.conn.WriteMessage(frame)
	}
	_ = c.conn.Close()
}
