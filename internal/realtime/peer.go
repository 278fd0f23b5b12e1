package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsPeer owns the write side of one WebSocket. Data frames go through a
// bounded queue drained by writeLoop; control frames are written directly.
type wsPeer struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	writeTimeout time.Duration
	closeOnce    sync.Once

	// onFailure runs once after a transport failure tore the peer down.
	onFailure func(id string)
}

func newWSPeer(id string, conn *websocket.Conn, queue int, writeTimeout time.Duration, onFailure func(string)) *wsPeer {
	return &wsPeer{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		onFailure:    onFailure,
	}
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		// Slow consumer: drop the connection rather than block the broadcaster.
		p.abort()
		return false
	}
}

func (p *wsPeer) Ping() error {
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
}

func (p *wsPeer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(p.writeTimeout))
		close(p.done)
		_ = p.conn.Close()
	})
}

// abort releases the connection without a close handshake and reports the
// failure so the peer leaves the registry.
func (p *wsPeer) abort() {
	first := false
	p.closeOnce.Do(func() {
		first = true
		close(p.done)
		_ = p.conn.Close()
	})
	if first && p.onFailure != nil {
		p.onFailure(p.id)
	}
}

// writeLoop drains the send queue until the peer is closed.
func (p *wsPeer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.abort()
				return
			}
		}
	}
}
