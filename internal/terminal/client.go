package terminal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/google/uuid"
)

const minClientQueue = 4

// Close reasons reported to the transport when a client is detached.
const (
	CloseReasonDetached = "detached"
	CloseReasonEnded    = "session ended"
	CloseReasonSlow     = "client too slow"
)

// ClientOptions describe the peer behind a client connection.
type ClientOptions struct {
	DeviceID   string
	RemoteAddr string
	Codec      string
	QueueSize  int
}

// Client is one peer attached to a session. Frames destined for it are
// queued without blocking; a transport goroutine drains them with Next.
type Client struct {
	id         string
	deviceID   string
	remoteAddr string
	codec      string
	attachedAt time.Time

	// viewport is guarded by the owning session's lock.
	viewport *domain.Geometry
	owner    atomic.Pointer[Session]

	out       chan Frame
	quit      chan struct{}
	closeOnce sync.Once
	reason    string
	sendExit  bool
}

// NewClient creates an unattached client.
func NewClient(opts ClientOptions) *Client {
	size := opts.QueueSize
	if size < minClientQueue {
		size = minClientQueue
	}
	return &Client{
		id:         uuid.NewString(),
		deviceID:   opts.DeviceID,
		remoteAddr: opts.RemoteAddr,
		codec:      opts.Codec,
		attachedAt: time.Now(),
		out:        make(chan Frame, size),
		quit:       make(chan struct{}),
	}
}

// ID returns the client's server-assigned id.
func (c *Client) ID() string { return c.id }

// Done is closed once the client has been detached from its session.
func (c *Client) Done() <-chan struct{} { return c.quit }

// CloseReason explains why the client was detached. Valid after Done.
func (c *Client) CloseReason() string {
	<-c.quit
	return c.reason
}

// Next returns the next frame for the transport to write. After the
// client is detached, already queued frames are still returned, followed
// by an Exit frame if the session ended; then ok is false.
func (c *Client) Next() (Frame, bool) {
	select {
	case f := <-c.out:
		return f, true
	case <-c.quit:
	}

	select {
	case f := <-c.out:
		return f, true
	default:
	}
	if c.sendExit {
		c.sendExit = false
		return Frame{Type: FrameExit}, true
	}
	return Frame{}, false
}

func (c *Client) enqueue(f Frame) bool {
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

func (c *Client) close(reason string, exit bool) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.sendExit = exit
		close(c.quit)
	})
}

func (c *Client) info() domain.ClientInfo {
	info := domain.ClientInfo{
		ID:         c.id,
		DeviceID:   c.deviceID,
		RemoteAddr: c.remoteAddr,
		Codec:      c.codec,
		AttachedAt: c.attachedAt,
	}
	if c.viewport != nil {
		v := *c.viewport
		info.Viewport = &v
	}
	return info
}
