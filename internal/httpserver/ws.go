package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/coachd/coachd/internal/coach"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Twilio media streams and browser clients connect cross-origin.
		return true
	},
}

// inboundFrame is the union of the two text protocols a call socket speaks:
// Twilio media stream events (Event set) and browser control messages (Type
// set).
type inboundFrame struct {
	// Twilio media stream protocol
	Event string `json:"event,omitempty"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Start struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`

	// browser control protocol
	Type    string              `json:"type,omitempty"`
	Context coach.ContextUpdate `json:"context,omitempty"`
}

// handleCallSocket is the coached leg: inbound audio feeds transcription and
// coaching events stream back over the same socket.
func (s *Server) handleCallSocket(c echo.Context) error {
	if !s.authOK(c.Request()) {
		return c.String(http.StatusUnauthorized, "unauthorized")
	}
	callID := c.Param("id")

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("[%s] ws upgrade error: %v", callID, err)
		return nil
	}
	defer conn.Close()

	// The first frame decides the dialect: Twilio streams open with a JSON
	// "connected" event and carry 8kHz mulaw; browsers send 16kHz PCM.
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	sampleRate := 16000
	if mt == websocket.TextMessage && isTwilioEvent(data) {
		sampleRate = 8000
	}

	sink := newWSSink(conn)
	session := s.deps.Sessions(callID, sink, sampleRate)
	s.deps.Manager.Register(session)
	defer func() {
		sink.close()
		s.deps.Manager.Remove(session)
	}()

	if err := session.Start(context.Background()); err != nil {
		log.Printf("[%s] session start failed: %v", callID, err)
		return nil
	}

	for {
		if !s.handleCallFrame(callID, session, mt, data) {
			return nil
		}
		mt, data, err = conn.ReadMessage()
		if err != nil {
			log.Printf("[%s] ws closed: %v", callID, err)
			return nil
		}
	}
}

// handleCallFrame routes one frame; false means the stream is over.
func (s *Server) handleCallFrame(callID string, session *coach.Session, mt int, data []byte) bool {
	if mt == websocket.BinaryMessage {
		session.SendAudio(data)
		return true
	}
	if mt != websocket.TextMessage {
		return true
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("[%s] bad ws frame: %v", callID, err)
		return true
	}

	if frame.Event != "" {
		switch frame.Event {
		case "connected":
		case "start":
			log.Printf("[%s] media stream started: stream=%s call=%s",
				callID, frame.Start.StreamSid, frame.Start.CallSid)
		case "media":
			payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				log.Printf("[%s] bad media payload: %v", callID, err)
				return true
			}
			session.SendAudio(mulawToPCM(payload))
		case "stop":
			log.Printf("[%s] media stream stopped", callID)
			return false
		}
		return true
	}

	switch frame.Type {
	case "context_update":
		session.UpdateContext(frame.Context)
	case "down_close":
		session.ApplyDownClose()
	case "stop":
		log.Printf("[%s] stop requested", callID)
		return false
	default:
		log.Printf("[%s] unknown message type: %q", callID, frame.Type)
	}
	return true
}

// handleAgentSocket is the recording-only agent leg: audio is accounted for
// usage and dropped. No coaching events flow here.
func (s *Server) handleAgentSocket(c echo.Context) error {
	if !s.authOK(c.Request()) {
		return c.String(http.StatusUnauthorized, "unauthorized")
	}
	callID := c.Param("id")

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("[%s] agent ws upgrade error: %v", callID, err)
		return nil
	}
	defer conn.Close()

	stream := coach.NewAgentStream(callID, 8000, "", s.deps.Usage)
	s.deps.Manager.RegisterAgent(stream)
	defer s.deps.Manager.RemoveAgent(stream)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		if mt == websocket.BinaryMessage {
			stream.SendAudio(data)
			continue
		}
		if mt != websocket.TextMessage {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Event {
		case "media":
			if payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload); err == nil {
				stream.SendAudio(mulawToPCM(payload))
			}
		case "stop":
			return nil
		}
	}
}

func isTwilioEvent(data []byte) bool {
	var probe struct {
		Event string `json:"event"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.Event != ""
}

// mulawToPCM expands 8-bit mulaw samples to 16-bit little-endian PCM.
func mulawToPCM(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecode(b)))
	}
	return out
}

func mulawDecode(b byte) int16 {
	b = ^b
	t := (int32(b&0x0F) << 3) + 0x84
	t <<= (b & 0x70) >> 4
	if b&0x80 != 0 {
		return int16(0x84 - t)
	}
	return int16(t - 0x84)
}

// wsSink pushes events to the client as JSON text frames. gorilla connections
// allow one concurrent writer, so writes are serialized here.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Send(ev coach.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
