package leader

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"
)

type messageHandler func(group string, msg raftpb.Message)

// groupTransport is raftengine's tcpTransport with the fixed uint8
// partition index replaced by a variable-length group name, since
// groups here are registered dynamically by process manager name
// rather than known upfront as a fixed count.
type groupTransport struct {
	nodeID   uint64
	handler  messageHandler
	listener net.Listener

	mu       sync.Mutex
	peers    map[uint64]string
	outbound map[uint64]chan groupMessage
	closed   chan struct{}
}

type groupMessage struct {
	group string
	msg   raftpb.Message
}

func newGroupTransport(nodeID uint64, addr string, peers map[uint64]string, handler messageHandler) (*groupTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &groupTransport{
		nodeID:   nodeID,
		peers:    peers,
		handler:  handler,
		listener: ln,
		outbound: make(map[uint64]chan groupMessage),
		closed:   make(chan struct{}),
	}
	for peer := range peers {
		if peer == nodeID {
			continue
		}
		ch := make(chan groupMessage, 256)
		t.outbound[peer] = ch
		go t.sender(peer, ch)
	}
	go t.acceptLoop()
	return t, nil
}

func (t *groupTransport) send(to uint64, group string, msg raftpb.Message) error {
	t.mu.Lock()
	ch, ok := t.outbound[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", to)
	}
	select {
	case ch <- groupMessage{group, msg}:
		return nil
	default:
		return fmt.Errorf("peer %d outbound queue full", to)
	}
}

func (t *groupTransport) sender(peer uint64, ch <-chan groupMessage) {
	for {
		select {
		case <-t.closed:
			return
		case gm := <-ch:
			addr := t.peers[peer]
			conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
			if err := writeEnvelope(conn, gm.group, gm.msg); err != nil {
				_ = conn.Close()
				continue
			}
			_ = conn.Close()
		}
	}
}

func (t *groupTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			group, msg, err := readEnvelope(c)
			if err != nil {
				return
			}
			t.handler(group, msg)
		}(conn)
	}
}

func (t *groupTransport) close() error {
	close(t.closed)
	return t.listener.Close()
}

func writeEnvelope(w io.Writer, group string, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	groupBytes := []byte(group)
	payload := make([]byte, 2+len(groupBytes)+len(b))
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(groupBytes)))
	copy(payload[2:], groupBytes)
	copy(payload[2+len(groupBytes):], b)

	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readEnvelope(r io.Reader) (string, raftpb.Message, error) {
	var sz uint32
	if err := binary.Read(r, binary.BigEndian, &sz); err != nil {
		return "", raftpb.Message{}, err
	}
	br := bufio.NewReader(r)
	buf := make([]byte, sz)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", raftpb.Message{}, err
	}
	if len(buf) < 2 {
		return "", raftpb.Message{}, io.ErrUnexpectedEOF
	}
	groupLen := binary.BigEndian.Uint16(buf[0:2])
	if len(buf) < int(2+groupLen) {
		return "", raftpb.Message{}, io.ErrUnexpectedEOF
	}
	group := string(buf[2 : 2+groupLen])
	var msg raftpb.Message
	if err := msg.Unmarshal(buf[2+groupLen:]); err != nil {
		return "", raftpb.Message{}, err
	}
	return group, msg, nil
}
