package stream

import (
	"encoding/binary"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trafficcount/internal/pipeline"
)

// Frame message types on the binary video socket
const (
	MessageRawFrame       byte = 0
	MessageAnnotatedFrame byte = 1
)

// FrameHeaderSize is 1 byte type + 8 bytes sequence + 4 bytes length
const FrameHeaderSize = 13

const (
	videoWriteWait  = 100 * time.Millisecond
	videoPongWait   = 60 * time.Second
	videoPingPeriod = 30 * time.Second
)

var videoUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024, // 256KB for video frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type videoClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *videoClient) write(messageType int, data []byte, wait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wait))
	return c.conn.WriteMessage(messageType, data)
}

// VideoSocket pushes annotated JPEG frames to browsers over a binary
// WebSocket. It is a pipeline.FrameSink.
type VideoSocket struct {
	clients   map[*websocket.Conn]*videoClient
	clientsMu sync.RWMutex
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewVideoSocket creates a video socket with no clients
func NewVideoSocket() *VideoSocket {
	return &VideoSocket{
		clients: make(map[*websocket.Conn]*videoClient),
		stopCh:  make(chan struct{}),
	}
}

var _ pipeline.FrameSink = (*VideoSocket)(nil)

// EncodeFrameMessage builds a binary frame message
func EncodeFrameMessage(kind byte, seq uint64, jpeg []byte) []byte {
	msg := make([]byte, FrameHeaderSize+len(jpeg))
	msg[0] = kind
	binary.BigEndian.PutUint64(msg[1:9], seq)
	binary.BigEndian.PutUint32(msg[9:13], uint32(len(jpeg)))
	copy(msg[FrameHeaderSize:], jpeg)
	return msg
}

// ShowFrame implements pipeline.FrameSink
func (s *VideoSocket) ShowFrame(frame *pipeline.AnnotatedFrame) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	data, err := frame.JPEG()
	if err != nil || len(data) == 0 {
		return
	}
	msg := EncodeFrameMessage(MessageAnnotatedFrame, frame.Seq, data)

	for _, client := range s.clients {
		if err := client.write(websocket.BinaryMessage, msg, videoWriteWait); err != nil {
			// Will be cleaned up by read pump
			log.Printf("[VideoWS] Write error to client: %v", err)
		}
	}
}

// ClientCount returns the number of connected viewers
func (s *VideoSocket) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the connection and keeps it registered until it closes
func (s *VideoSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := videoUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[VideoWS] Upgrade error: %v", err)
		return
	}

	client := &videoClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = client
	count := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[VideoWS] Client connected from %s (%d clients)", r.RemoteAddr, count)
	s.readPump(client)
}

// readPump reads from the socket to detect disconnection and answer pongs
func (s *VideoSocket) readPump(client *videoClient) {
	conn := client.conn
	done := make(chan struct{})

	defer func() {
		close(done)
		s.clientsMu.Lock()
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		conn.Close()
		log.Printf("[VideoWS] Client disconnected (%d clients remaining)", count)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(videoPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(videoPongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(videoPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-s.stopCh:
				conn.Close()
				return
			case <-ticker.C:
				if err := client.write(websocket.PingMessage, nil, 10*time.Second); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client
func (s *VideoSocket) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}
