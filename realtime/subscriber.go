package realtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Hiviexd/kanban-board/domain"
)

const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

var (
	ErrMailboxFull = fmt.Errorf("%w: mailbox full", domain.ErrDeliveryFailure)
	ErrClosed      = fmt.Errorf("%w: connection closed", domain.ErrDeliveryFailure)
)

// Subscriber is one live client connection. Send never blocks: a frame that
// cannot be queued is an error and the hub drops the connection.
type Subscriber interface {
	ID() string
	Principal() domain.Principal
	Transport() string
	Send(frame []byte) error
	Close()
}

// Conn is the Subscriber used by both transports. Its writer loop drains
// Frames until Done is closed.
type Conn struct {
	id        string
	principal domain.Principal
	transport string
	frames    chan []byte
	done      chan struct{}
	once      sync.Once
}

func NewConn(p domain.Principal, transport string, mailbox int) *Conn {
	if mailbox <= 0 {
		mailbox = 1
	}
	return &Conn{
		id:        uuid.NewString(),
		principal: p,
		transport: transport,
		frames:    make(chan []byte, mailbox),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) Principal() domain.Principal { return c.principal }
func (c *Conn) Transport() string { return c.transport }

func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.frames <- frame:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) Frames() <-chan []byte { return c.frames }
func (c *Conn) Done() <-chan struct{} { return c.done }

// drain hands queued frames to write until the mailbox is empty or write
// reports failure.
func (c *Conn) drain(write func([]byte) bool) {
	for {
		select {
		case frame := <-c.frames:
			if !write(frame) {
				return
			}
		default:
			return
		}
	}
}
