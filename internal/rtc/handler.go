package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/coachd/coachd/internal/coach"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SessionFactory builds the coaching session for one browser connection. The
// sink is the peer's event data channel.
type SessionFactory func(callID string, sink coach.EventSink) (*coach.Session, error)

// controlMessage is what the browser sends over the control data channel.
type controlMessage struct {
	Type    string              `json:"type"`
	Context coach.ContextUpdate `json:"context"`
}

// Handler accepts browser microphone audio over WebRTC and feeds it into the
// coaching pipeline. The peer sends Opus upstream only; guidance events flow
// back over the "events" data channel.
type Handler struct {
	factory SessionFactory
	manager *coach.Manager
}

func NewHandler(factory SessionFactory, manager *coach.Manager) *Handler {
	return &Handler{factory: factory, manager: manager}
}

// HandleOffer accepts an SDP offer and returns an SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := generateCallID()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return SessionDescription{}, err
	}

	// Audio flows browser -> server only.
	if _, err := peerConnection.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	sink := &dataChannelSink{callID: callID}
	session, err := h.factory(callID, sink)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	h.manager.Register(session)

	var teardown sync.Once
	cleanup := func() {
		teardown.Do(func() {
			sink.close()
			h.manager.Remove(session)
			_ = peerConnection.Close()
		})
	}

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			cleanup()
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})

	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case "events":
			dc.OnOpen(func() {
				log.Printf("[%s] events channel opened", callID)
				sink.attach(dc)
			})
		case "control":
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				h.handleControl(callID, session, msg.Data, cleanup)
			})
		}
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] remote audio track: codec=%s", callID, remote.Codec().MimeType)

		if err := session.Start(context.Background()); err != nil {
			log.Printf("[%s] session start failed: %v", callID, err)
			cleanup()
			return
		}
		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			log.Printf("[%s] opus decoder error: %v", callID, err)
			cleanup()
			return
		}
		go h.readMic(callID, remote, dec, session)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		cleanup()
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		cleanup()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		cleanup()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := peerConnection.LocalDescription()
	if local == nil {
		cleanup()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// readMic decodes incoming Opus to 16kHz PCM and forwards fixed-size chunks.
func (h *Handler) readMic(callID string, remote *webrtc.TrackRemote, dec *opus.Decoder, session *coach.Session) {
	const pcmChunkBytes = 3200 // 100ms at 16kHz mono

	pcmSamples := make([]int16, 1920)
	buf := make([]byte, 0, pcmChunkBytes*4)

	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read ended: %v", callID, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, pcmSamples)
		if decErr != nil {
			log.Printf("[%s] opus decode error: %v", callID, decErr)
			continue
		}
		start := len(buf)
		buf = append(buf, make([]byte, n*2)...)
		out := buf[start:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(pcmSamples[i]))
		}
		for len(buf) >= pcmChunkBytes {
			session.SendAudio(buf[:pcmChunkBytes])
			copy(buf, buf[pcmChunkBytes:])
			buf = buf[:len(buf)-pcmChunkBytes]
		}
	}
}

func (h *Handler) handleControl(callID string, session *coach.Session, data []byte, cleanup func()) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[%s] bad control message: %v", callID, err)
		return
	}
	switch msg.Type {
	case "context_update":
		session.UpdateContext(msg.Context)
	case "down_close":
		session.ApplyDownClose()
	case "stop":
		log.Printf("[%s] stop requested over control channel", callID)
		cleanup()
	default:
		log.Printf("[%s] unknown control message type: %s", callID, msg.Type)
	}
}

// dataChannelSink sends events as JSON over the peer's "events" data channel.
// Events arriving before the channel opens or after close are dropped.
type dataChannelSink struct {
	callID string

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	closed bool
}

func (s *dataChannelSink) attach(dc *webrtc.DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.dc = dc
	}
}

func (s *dataChannelSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.dc = nil
}

func (s *dataChannelSink) Send(ev coach.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dc == nil {
		return errors.New("events channel not open")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.dc.SendText(string(payload))
}

func generateCallID() string { return "rtc-" + time.Now().Format("0102150405.000") }
