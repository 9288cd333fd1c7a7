package http

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"intake-bridge/internal/db"
	"intake-bridge/internal/metrics"
	"intake-bridge/internal/session"
	"intake-bridge/internal/telephony"
	"intake-bridge/pkg"
)

// ConversationStore is the part of the repository the HTTP layer reads and
// writes.
type ConversationStore interface {
	CreateConversation(ctx context.Context, callSID, callerPhone string) (*pkg.Conversation, error)
	GetConversation(ctx context.Context, id string) (*pkg.Conversation, error)
	GetTranscript(ctx context.Context, conversationID string) ([]pkg.Message, error)
	ListConversations(ctx context.Context, limit int) ([]pkg.Conversation, error)
}

// UpdateFeed yields ids of conversations whose record changed.
type UpdateFeed interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Store      ConversationStore
	Updates    UpdateFeed
	Calls      session.Dependencies
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	PublicHost string
	// WriteTimeout bounds every write to the telephony WebSocket.
	WriteTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	upgrader websocket.Upgrader
	calls    sync.WaitGroup
}

// NewServer constructs a Server.  Calls bridged by the server run until
// Shutdown is called or either leg hangs up.
func NewServer(store ConversationStore, updates UpdateFeed, calls session.Dependencies, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Store:        store,
		Updates:      updates,
		Calls:        calls,
		Metrics:      m,
		Logger:       logger,
		WriteTimeout: 5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		upgrader: websocket.Upgrader{
			// Telephony media streams do not send an Origin header; browsers do.
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == ""
			},
		},
	}
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
	case path == "/metrics" && r.Method == http.MethodGet:
		s.handleMetrics(w, r)
	// Voice webhook: POST /api/calls
	case path == "/api/calls" && r.Method == http.MethodPost:
		s.handleIncomingCall(w, r)
	// Media stream: GET /media-stream (WebSocket)
	case path == "/media-stream" && r.Method == http.MethodGet:
		s.handleMediaStream(w, r)
	case path == "/api/conversations" && r.Method == http.MethodGet:
		s.handleListConversations(w, r)
	// GET /api/conversations/{id} and /api/conversations/{id}/events
	case strings.HasPrefix(path, "/api/conversations/") && r.Method == http.MethodGet:
		parts := strings.Split(strings.TrimPrefix(path, "/api/conversations/"), "/")
		switch {
		case len(parts) == 1 && parts[0] != "":
			s.handleGetConversation(w, r, parts[0])
		case len(parts) == 2 && parts[1] == "events":
			s.handleConversationEvents(w, r, parts[0])
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

// Stop ends every bridged call and open event stream without waiting.
func (s *Server) Stop() {
	s.cancel()
}

// Shutdown ends every bridged call and waits for them to finish, up to
// ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.calls.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.Metrics.Handler().ServeHTTP(w, r)
}

// TwiML answer to the voice webhook.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleIncomingCall creates the conversation record and tells the
// telephony provider to open a media stream carrying its id.  When the
// store is unavailable the call is still bridged, without persistence.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")

	var conversationID string
	if s.Store != nil {
		conv, err := s.Store.CreateConversation(r.Context(), callSID, from)
		if err != nil {
			s.Logger.Error("create conversation failed; bridging without persistence", "call_sid", callSID, "error", err)
		} else {
			conversationID = conv.ID
		}
	}

	stream := twimlStream{URL: s.streamURL(r, conversationID)}
	if conversationID != "" {
		stream.Parameters = []twimlParameter{{Name: telephony.ConversationParam, Value: conversationID}}
	}
	body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: stream}})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Logger.Info("incoming call", "call_sid", callSID, "conversation_id", conversationID)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (s *Server) streamURL(r *http.Request, conversationID string) string {
	host := s.PublicHost
	if host == "" {
		host = r.Host
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/media-stream"}
	if conversationID != "" {
		u.RawQuery = url.Values{telephony.ConversationParam: {conversationID}}.Encode()
	}
	return u.String()
}

// handleMediaStream upgrades the connection and bridges it until the call
// ends.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	leg := telephony.NewLeg(conn, s.WriteTimeout)
	ctl, err := session.New(s.Calls, leg, r.URL.Query().Get(telephony.ConversationParam))
	if err != nil {
		s.Logger.Error("session setup failed", "error", err)
		_ = leg.Close()
		return
	}
	s.calls.Add(1)
	defer s.calls.Done()
	if err := ctl.Run(s.ctx); err != nil {
		s.Logger.Warn("call ended with error", "error", err)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	convs, err := s.Store.ListConversations(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []pkg.Conversation{}
	}
	writeJSON(w, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.loadDetail(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) loadDetail(ctx context.Context, id string) (*pkg.ConversationDetail, error) {
	conv, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	transcript, err := s.Store.GetTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	if transcript == nil {
		transcript = []pkg.Message{}
	}
	return &pkg.ConversationDetail{Conversation: conv, Transcript: transcript}, nil
}

// handleConversationEvents streams the conversation as server-sent events:
// once on connect, then again every time the record is updated.  The stream
// ends when the client goes away or the server stops.
func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	detail, err := s.loadDetail(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var updates <-chan string
	if s.Updates != nil {
		if updates, err = s.Updates.Listen(ctx); err != nil {
			s.Logger.Warn("conversation updates unavailable", "error", err)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if err := writeEvent(w, detail); err != nil {
		return
	}
	flusher.Flush()
	if updates == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case changed, ok := <-updates:
			if !ok {
				return
			}
			if changed != id {
				continue
			}
			detail, err := s.loadDetail(ctx, id)
			if err != nil {
				s.Logger.Warn("reload conversation failed", "conversation_id", id, "error", err)
				continue
			}
			if err := writeEvent(w, detail); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, detail *pkg.ConversationDetail) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: conversation\ndata: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
