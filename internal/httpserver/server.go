package httpserver

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/coachd/coachd/internal/coach"
	"github.com/coachd/coachd/internal/rtc"
	"github.com/coachd/coachd/internal/telephony"
)

// SessionFactory builds a coaching session for one connection. sampleRate is
// the PCM rate of the inbound audio.
type SessionFactory func(callID string, sink coach.EventSink, sampleRate int) *coach.Session

// Deps are the collaborators the HTTP layer hands requests to.
type Deps struct {
	Manager  *coach.Manager
	Sessions SessionFactory
	Policy   *coach.TriggerPolicy
	Usage    coach.UsageCollector

	// Optional surfaces; nil disables the routes.
	Telephony  *telephony.Service
	RTCHandler *rtc.Handler

	// AuthPassword guards the browser-facing endpoints when non-empty.
	AuthPassword string
	// PolicyPath is the trigger policy file served by the reload endpoint.
	PolicyPath string
}

// Server bundles the echo router and its dependencies.
type Server struct {
	Echo *echo.Echo
	deps Deps
}

// New constructs the router with all routes registered.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{Echo: e, deps: deps}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/ws/call/:id", s.handleCallSocket)
	e.GET("/ws/agent/:id", s.handleAgentSocket)

	if deps.RTCHandler != nil {
		e.POST("/rtc/offer", s.handleRTCOffer)
	}
	if deps.Policy != nil && deps.PolicyPath != "" {
		e.POST("/api/policy/reload", s.handlePolicyReload)
	}
	if deps.Telephony != nil {
		deps.Telephony.RegisterHandlers(e)
	}

	return s
}

func (s *Server) handleRTCOffer(c echo.Context) error {
	if !s.authOK(c.Request()) {
		return c.String(http.StatusUnauthorized, "unauthorized")
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return c.String(http.StatusBadRequest, "invalid offer")
	}
	answer, err := s.deps.RTCHandler.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		c.Logger().Errorf("webrtc offer failed: %v", err)
		return c.String(http.StatusInternalServerError, "offer failed")
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handlePolicyReload(c echo.Context) error {
	if !s.authOK(c.Request()) {
		return c.String(http.StatusUnauthorized, "unauthorized")
	}
	if err := s.deps.Policy.LoadFile(s.deps.PolicyPath); err != nil {
		c.Logger().Errorf("policy reload failed: %v", err)
		return c.String(http.StatusUnprocessableEntity, err.Error())
	}
	return c.String(http.StatusOK, "reloaded")
}

// authOK accepts the password from a query parameter, a bearer token, or the
// X-Auth-Token header. No password configured means open access.
func (s *Server) authOK(r *http.Request) bool {
	password := s.deps.AuthPassword
	if password == "" {
		return true
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
