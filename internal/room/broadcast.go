package room

import (
	"hash/fnv"
	"net"
	"sync"

	"github.com/pion/logging"
)

// broadcastPort is fixed; the multicast group address is derived per
// room so unrelated rooms on the same host don't cross-talk.
const broadcastPort = 28472

// localBroadcast is the same-device fallback discovery channel spec.md
// §4.6 calls a "broadcast channel": IPv4 multicast on an administratively
// scoped group, joined on the system's default multicast interface and
// sent with the default multicast TTL, so listeners on the local link
// receive it as well as other processes on this host.
type localBroadcast struct {
	conn      *net.UDPConn
	group     *net.UDPAddr
	logger    logging.LeveledLogger
	onMessage func(payload []byte)

	closeOnce sync.Once
	stop      chan struct{}
}

func newLocalBroadcast(roomID string, onMessage func([]byte), logger logging.LeveledLogger) (*localBroadcast, error) {
	group := &net.UDPAddr{IP: multicastGroupForRoom(roomID), Port: broadcastPort}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(64 * 1024)

	b := &localBroadcast{
		conn:      conn,
		group:     group,
		logger:    logger,
		onMessage: onMessage,
		stop:      make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// multicastGroupForRoom hashes the room ID into the administratively
// scoped 239.0.0.0/8 range so distinct rooms use distinct groups.
func multicastGroupForRoom(roomID string) net.IP {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	sum := h.Sum32()
	return net.IPv4(239, byte(sum>>16), byte(sum>>8), byte(sum))
}

func (b *localBroadcast) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stop:
			default:
				if b.logger != nil {
					b.logger.Warnf("room: broadcast fallback read error: %v", err)
				}
			}
			return
		}
		if b.onMessage == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		b.onMessage(payload)
	}
}

func (b *localBroadcast) send(payload []byte) error {
	conn, err := net.DialUDP("udp4", nil, b.group)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(payload)
	return err
}

// Close shuts down the channel. Safe to call more than once.
func (b *localBroadcast) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		_ = b.conn.Close()
	})
}
