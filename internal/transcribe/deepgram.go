package transcribe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
)

// sendTimeout bounds a single audio write to the provider. A stalled write
// marks the stream dead rather than backing up the audio path.
const sendTimeout = 2 * time.Second

// stopTimeout bounds connection teardown.
const stopTimeout = 3 * time.Second

// DeepgramService streams audio to Deepgram's live transcription API and
// forwards transcript fragments to a Listener.
type DeepgramService struct {
	apiKey     string
	model      string
	sampleRate int
	listener   Listener

	mu        sync.Mutex
	client    *listen.WSCallback
	connected bool

	audioData chan []byte
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewDeepgramService creates a live transcription service for one session.
// sampleRate is 16000 for browser audio and 8000 for telephony legs.
func NewDeepgramService(apiKey string, sampleRate int, listener Listener) *DeepgramService {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	return &DeepgramService{
		apiKey:     apiKey,
		model:      "nova-2",
		sampleRate: sampleRate,
		listener:   listener,
		audioData:  make(chan []byte, 1000),
		stopCh:     make(chan struct{}),
	}
}

// Start opens the websocket connection and begins the audio sender.
func (s *DeepgramService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("deepgram: API key is empty")
	}

	tOptions := &clientinterfaces.LiveTranscriptionOptions{
		Model:          s.model,
		Language:       "en-US",
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		Encoding:       "linear16",
		SampleRate:     s.sampleRate,
		Channels:       1,
	}

	cb := &listenCallback{listener: s.listener}

	dg, err := listen.NewWSUsingCallback(ctx, s.apiKey, &clientinterfaces.ClientOptions{}, tOptions, cb)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	if ok := dg.Connect(); !ok {
		return fmt.Errorf("deepgram: connect failed")
	}

	s.client = dg
	s.connected = true
	go s.sendAudioData()

	log.Printf("deepgram: live connection started (model=%s, rate=%d)", s.model, s.sampleRate)
	return nil
}

// SendAudio queues PCM data for delivery. It blocks at most sendTimeout; a
// timeout returns an error and the caller should treat the stream as dead.
func (s *DeepgramService) SendAudio(pcm []byte) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("deepgram: not connected")
	}
	select {
	case s.audioData <- pcm:
		return nil
	case <-s.stopCh:
		return fmt.Errorf("deepgram: stopped")
	case <-time.After(sendTimeout):
		return fmt.Errorf("deepgram: send timed out after %s", sendTimeout)
	}
}

// Stop closes the connection. Safe to call more than once.
func (s *DeepgramService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		client := s.client
		s.client = nil
		s.connected = false
		s.mu.Unlock()
		if client != nil {
			done := make(chan struct{})
			go func() {
				client.Stop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(stopTimeout):
				log.Printf("deepgram: connection cleanup timed out")
			}
		}
		log.Printf("deepgram: connection closed")
	})
	return nil
}

// sendAudioData drains the queue onto the websocket.
func (s *DeepgramService) sendAudioData() {
	for {
		select {
		case <-s.stopCh:
			return
		case pcm := <-s.audioData:
			s.mu.Lock()
			client := s.client
			s.mu.Unlock()
			if client == nil {
				return
			}
			if err := client.WriteBinary(pcm); err != nil {
				log.Printf("deepgram: error sending audio: %v", err)
				if s.listener.OnError != nil {
					s.listener.OnError(err)
				}
				return
			}
		}
	}
}

// listenCallback adapts the SDK callback interface onto a Listener.
type listenCallback struct {
	listener Listener
}

func (c *listenCallback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *listenCallback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}
	if c.listener.OnTranscript != nil {
		c.listener.OnTranscript(TranscriptEvent{
			Text:        text,
			IsFinal:     mr.IsFinal,
			ArrivalTime: time.Now(),
		})
	}
	return nil
}

func (c *listenCallback) Metadata(*msginterfaces.MetadataResponse) error           { return nil }
func (c *listenCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }
func (c *listenCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error   { return nil }

func (c *listenCallback) Close(*msginterfaces.CloseResponse) error {
	if c.listener.OnClose != nil {
		c.listener.OnClose()
	}
	return nil
}

func (c *listenCallback) Error(er *msginterfaces.ErrorResponse) error {
	if er != nil && c.listener.OnError != nil {
		c.listener.OnError(fmt.Errorf("deepgram: %s", er.ErrMsg))
	}
	return nil
}

func (c *listenCallback) UnhandledEvent(byData []byte) error { return nil }
