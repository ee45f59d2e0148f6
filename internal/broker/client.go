// Package broker implements the broker client and pool (spec.md §4.2,
// §4.3): a minimal MQTT 3.1.1 QoS-0 publish/subscribe session carried
// over a binary websocket sub-protocol, fanned out across N brokers with
// dedup-aware delivery and backoff reconnect.
//
// Grounded on the teacher's internal/keepalive.Monitor (ticker-driven
// ping loop over a *websocket.Conn, atomic liveness flag) and on
// other_examples' minimal MQTT broker implementation for the wire
// framing in frame.go.
package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"meshsig/internal/wire"
)

const (
	connectTimeout   = 8 * time.Second
	subscribeTimeout = 5 * time.Second
	keepAliveSec     = 30
	pingInterval     = 20 * time.Second
)

// Handler receives a decoded PUBLISH payload for a topic.
type Handler func(topic string, payload []byte)

// DisconnectHook is invoked with the broker URL on an unintentional
// close (spec.md §4.2 "Disconnect").
type DisconnectHook func(brokerURL string)

// Client is a single broker session (spec.md §4.2 "Broker client").
type Client struct {
	url      string
	username string
	password string

	logger logging.LeveledLogger

	mu   sync.Mutex
	conn *websocket.Conn

	connected  atomic.Bool
	subscribed atomic.Bool
	closing    atomic.Bool

	connAckCh chan struct{}
	subAckCh  chan struct{}
	keepAlive chan struct{}

	writeMu sync.Mutex

	onMessage    Handler
	onDisconnect DisconnectHook

	nextPacketID atomic.Uint32
	received     atomic.Uint64
}

// NewClient creates a broker client for the given websocket URL.
func NewClient(brokerURL, username, password string, logger logging.LeveledLogger) *Client {
	return &Client{
		url:      brokerURL,
		username: username,
		password: password,
		logger:   logger,
	}
}

// URL returns the broker's websocket URL.
func (c *Client) URL() string { return c.url }

// Connected reports whether the CONNECT/CONNACK handshake succeeded and
// the socket has not since closed.
func (c *Client) Connected() bool { return c.connected.Load() }

// Subscribed reports whether the last Subscribe call succeeded.
func (c *Client) Subscribed() bool { return c.subscribed.Load() }

// SetHandlers installs the PUBLISH delivery handler and the
// unintentional-disconnect hook. Must be called before Connect.
func (c *Client) SetHandlers(onMessage Handler, onDisconnect DisconnectHook) {
	c.onMessage = onMessage
	c.onDisconnect = onDisconnect
}

func clientID(selfID, brokerURL string) string {
	prefix := selfID
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}

	h := fnv.New32a()
	if u, err := url.Parse(brokerURL); err == nil {
		h.Write([]byte(u.Host))
	} else {
		h.Write([]byte(brokerURL))
	}

	entropy := make([]byte, 4)
	if _, err := rand.Read(entropy); err != nil {
		entropy = []byte{0xDE, 0xAD, 0xBE, 0xEF}
	}

	return fmt.Sprintf("%s-%08x-%x", prefix, h.Sum32(), entropy)
}

// Connect dials the broker's websocket endpoint and performs the
// CONNECT/CONNACK handshake, then starts the read loop and keep-alive
// task. (spec.md §4.2 "Connect": 8s CONNECT timeout.)
func (c *Client) Connect(ctx context.Context, selfID string) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	conn, _, err := dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", wire.ErrMQTTConnection, c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.connAckCh = make(chan struct{}, 1)
	c.subAckCh = make(chan struct{}, 1)
	c.keepAlive = make(chan struct{})

	go c.readLoop()

	id := clientID(selfID, c.url)
	if err := c.write(encodeConnect(id, c.username, c.password, keepAliveSec)); err != nil {
		c.closeConn()
		return fmt.Errorf("%w: connect write %s: %v", wire.ErrMQTTConnection, c.url, err)
	}

	select {
	case <-c.connAckCh:
		c.connected.Store(true)
		go c.pingLoop()
		return nil
	case <-dialCtx.Done():
		c.closeConn()
		return fmt.Errorf("%w: connack timeout %s", wire.ErrMQTTConnection, c.url)
	}
}

// Subscribe issues a SUBSCRIBE for topic and waits for SUBACK (spec.md
// §4.2 "Subscribe": 5s timeout).
func (c *Client) Subscribe(ctx context.Context, topic string) bool {
	if !c.connected.Load() {
		return false
	}

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	packetID := uint16(c.nextPacketID.Add(1))
	if err := c.write(encodeSubscribe(packetID, topic)); err != nil {
		return false
	}

	select {
	case <-c.subAckCh:
		c.subscribed.Store(true)
		return true
	case <-subCtx.Done():
		return false
	}
}

// Publish sends a QoS-0 PUBLISH. Returns true iff the frame was written
// to the transport without error (spec.md §4.2 "Publish").
func (c *Client) Publish(topic string, payload []byte) bool {
	if !c.connected.Load() {
		return false
	}
	return c.write(encodePublish(topic, payload)) == nil
}

// Disconnect performs an intentional close: emits DISCONNECT, then
// closes the socket with the disconnect hook suppressed.
func (c *Client) Disconnect() {
	c.closing.Store(true)
	_ = c.write(encodeDisconnect())
	c.closeConn()
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", wire.ErrMQTTConnection)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) closeConn() {
	c.connected.Store(false)
	c.subscribed.Store(false)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if c.keepAlive != nil {
		select {
		case <-c.keepAlive:
		default:
			close(c.keepAlive)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.keepAlive:
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}
			if err := c.write(encodePingReq()); err != nil {
				if c.logger != nil {
					c.logger.Warnf("broker %s: ping failed: %v", c.url, err)
				}
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	var re reassembler
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleUnexpectedClose()
			return
		}

		re.feed(data)
		for {
			pkt, ok, err := re.next()
			if err != nil {
				if c.logger != nil {
					c.logger.Warnf("broker %s: %v", c.url, err)
				}
				break
			}
			if !ok {
				break
			}
			c.dispatch(pkt)
		}
	}
}

func (c *Client) handleUnexpectedClose() {
	wasConnected := c.connected.Load()
	intentional := c.closing.Load()
	c.closeConn()
	if !intentional && wasConnected && c.onDisconnect != nil {
		c.onDisconnect(c.url)
	}
}

func (c *Client) dispatch(pkt decodedPacket) {
	switch pkt.packetType {
	case packetTypeConnAck:
		select {
		case c.connAckCh <- struct{}{}:
		default:
		}
	case packetTypeSubAck:
		select {
		case c.subAckCh <- struct{}{}:
		default:
		}
	case packetTypePublish:
		parsed, err := parsePublish(pkt)
		if err != nil {
			if c.logger != nil {
				c.logger.Warnf("broker %s: malformed publish: %v", c.url, err)
			}
			return
		}
		c.received.Add(1)
		if c.onMessage != nil {
			c.onMessage(parsed.topic, parsed.payload)
		}
	case packetTypePingResp:
		// no action
	default:
		// unknown packet types ignored
	}
}

// Received returns the count of PUBLISH packets delivered so far.
func (c *Client) Received() uint64 { return c.received.Load() }
