package telephony

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// Storage persists finished call recordings.
type Storage interface {
	Upload(key string, data []byte) error
}

type Config struct {
	AccountSID string
	AuthToken  string
	// StreamPassword, when set, is appended to the media stream URLs so the
	// websocket endpoints accept the connection.
	StreamPassword string
}

// Service handles Twilio webhooks for coached calls: it answers inbound calls
// with dual-channel media streams (client leg coached, agent leg recorded),
// starts call recording, and archives finished recordings.
type Service struct {
	config     Config
	storage    Storage
	client     *twilio.RestClient
	httpClient *http.Client
}

func New(config Config, storage Storage) *Service {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	return &Service{
		config:     config,
		storage:    storage,
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Service) RegisterHandlers(e *echo.Echo) {
	auth := TwilioAuth(func() string { return s.config.AuthToken })
	e.POST("/twilio/voice", s.handleVoice, auth)
	e.POST("/twilio/recording-status", s.handleRecordingStatus, auth)
}

// handleVoice answers an inbound call with two media streams: the caller's
// audio feeds the coaching pipeline, the agent's audio is accounted only.
func (s *Service) handleVoice(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)

	callSID := params["CallSid"]
	from := params["From"]
	log.Printf("[%s] inbound call from %s", callSID, from)

	host := streamHost(c.Request())
	suffix := ""
	if s.config.StreamPassword != "" {
		suffix = "?password=" + url.QueryEscape(s.config.StreamPassword)
	}
	verbs := []twiml.Element{
		&twiml.VoiceStart{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url:   fmt.Sprintf("wss://%s/ws/call/%s%s", host, callSID, suffix),
					Track: "inbound_track",
				},
			},
		},
		&twiml.VoiceStart{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url:   fmt.Sprintf("wss://%s/ws/agent/%s%s", host, callSID, suffix),
					Track: "outbound_track",
				},
			},
		},
		&twiml.VoicePause{Length: "3600"},
	}
	doc, err := twiml.Voice(verbs)
	if err != nil {
		log.Printf("[%s] twiml build failed: %v", callSID, err)
		return c.String(http.StatusInternalServerError, "twiml error")
	}

	// Recording runs out of band; the call proceeds either way.
	go func() {
		if err := s.StartCallRecording(callSID, buildURL(c.Request(), "/twilio/recording-status")); err != nil {
			log.Printf("[%s] start recording failed: %v", callSID, err)
		}
	}()

	return c.Blob(http.StatusOK, "text/xml", []byte(doc))
}

func (s *Service) handleRecordingStatus(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)

	status := params["RecordingStatus"]
	recordingURL := params["RecordingUrl"]
	recordingSID := params["RecordingSid"]
	callSID := params["CallSid"]
	log.Printf("[%s] recording status: %s, SID: %s", callSID, status, recordingSID)

	if status == "completed" && recordingURL != "" && s.storage != nil {
		filename := fmt.Sprintf("recordings/%s_%s.wav", callSID, recordingSID)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.archiveRecording(ctx, recordingURL, filename); err != nil {
				log.Printf("[%s] recording archive failed: %v", callSID, err)
				return
			}
			log.Printf("[%s] recording archived: %s", callSID, filename)
		}()
	}

	return c.String(http.StatusOK, "OK")
}

// StartCallRecording begins dual-channel recording of an active call.
func (s *Service) StartCallRecording(callSID, callbackURL string) error {
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("dual")

	if _, err := s.client.Api.CreateCallRecording(callSID, params); err != nil {
		return fmt.Errorf("start recording for %s: %w", callSID, err)
	}
	return nil
}

func (s *Service) archiveRecording(ctx context.Context, recordingURL, filename string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return s.storage.Upload(filename, data)
}

func streamHost(r *http.Request) string {
	if host := r.Header.Get("X-Forwarded-Host"); host != "" {
		return host
	}
	return r.Host
}

func buildURL(r *http.Request, path string) string {
	scheme := "https"
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
		if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
			scheme = "http"
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}
