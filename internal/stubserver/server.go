// Package stubserver is an in-memory stand-in for the marketplace chat
// backend: the REST contract plus the live channel, enough to exercise the
// client engine in demos and integration tests. It is deliberately simple
// and keeps everything behind one lock.
package stubserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/handlers"
	"github.com/ticketrow/chatkit/internal/api"
	"github.com/ticketrow/chatkit/internal/channel"
	"github.com/ticketrow/chatkit/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenCookieKey = "token"
	userIdClaim    = "user-id"
	expClaim       = "exp"
	defaultJwtExp  = 24 * time.Hour
)

type account struct {
	Id           int
	Username     string
	Email        string
	PasswordHash string
	Kind         types.IdentityKind
}

type conversationState struct {
	lastMessage       string
	lastMessageUserId int
	updatedAt         time.Time
	unread            int
}

// Server holds all chat state in memory: accounts, the message log, and
// per-recipient conversation summaries.
type Server struct {
	log        *log.Logger
	httpServer *http.Server
	signingKey []byte

	mu       sync.Mutex
	accounts map[int]*account
	messages []types.Message
	nextSeq  int
	// conversations is keyed by owner identity, then by conversation key
	// from the owner's point of view.
	conversations map[int]map[types.ConversationKey]*conversationState
	clients       map[*wsClient]struct{}
}

func NewServer(addr string, signingKey []byte, logger *log.Logger) *Server {
	s := &Server{
		log:           logger,
		signingKey:    signingKey,
		accounts:      make(map[int]*account),
		nextSeq:       1,
		conversations: make(map[int]map[types.ConversationKey]*conversationState),
		clients:       make(map[*wsClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.getConversations))
	mux.HandleFunc("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.postMessage))
	mux.HandleFunc("POST /api/messages/read", s.authMiddleware(s.markRead))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)
	h = handlers.LoggingHandler(logWriter{logger}, h)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: h,
	}

	return s
}

type logWriter struct {
	log *log.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Print(string(p))
	return len(p), nil
}

// Handler exposes the full HTTP surface for httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Printf("stub server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// SeedAccount registers an account with a bcrypt-hashed password. Intended
// to be called before Start.
func (s *Server) SeedAccount(id int, username, email, password string, kind types.IdentityKind) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = &account{
		Id:           id,
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Kind:         kind,
	}
	return nil
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int) {
	s.writeJson(w, statusCode, map[string]any{
		"status_code": statusCode,
		"message":     http.StatusText(statusCode),
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var lr api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var acct *account
	for _, a := range s.accounts {
		if a.Email == lr.Email {
			acct = a
			break
		}
	}
	s.mu.Unlock()

	if acct == nil || bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(lr.Password)) != nil {
		s.writeError(w, http.StatusUnauthorized)
		return
	}

	token, err := s.createJwtForSession(acct.Id, defaultJwtExp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieKey,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(defaultJwtExp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	s.writeJson(w, http.StatusOK, types.Identity{Id: acct.Id, Kind: acct.Kind, Username: acct.Username})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[userId]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound)
		return
	}

	s.writeJson(w, http.StatusOK, types.Identity{Id: acct.Id, Kind: acct.Kind, Username: acct.Username})
}

func (s *Server) getConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	var summaries []api.ConversationSummary
	for key, state := range s.conversations[userId] {
		username := ""
		if other, ok := s.accounts[key.UserId]; ok {
			username = other.Username
		}
		summaries = append(summaries, api.ConversationSummary{
			UserId:            key.UserId,
			EventId:           key.EventId,
			Username:          username,
			LastMessage:       state.lastMessage,
			LastMessageUserId: state.lastMessageUserId,
			UpdatedAt:         state.updatedAt,
			UnreadCount:       state.unread,
		})
	}
	s.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	s.writeJson(w, http.StatusOK, summaries)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized)
		return
	}

	otherId, err := strconv.Atoi(r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest)
		return
	}
	eventId, err := strconv.Atoi(r.URL.Query().Get("event_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var history []types.Message
	for _, msg := range s.messages {
		if msg.EventId != eventId {
			continue
		}
		between := (msg.UserId == userId && msg.RecipientId == otherId) ||
			(msg.UserId == otherId && msg.RecipientId == userId)
		if between {
			msg.TempId = ""
			history = append(history, msg)
		}
	}
	s.mu.Unlock()

	s.writeJson(w, http.StatusOK, history)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized)
		return
	}

	var params api.SendMessageParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest)
		return
	}

	if params.Content == "" || params.RecipientId == 0 {
		s.writeError(w, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, ok := s.accounts[params.RecipientId]; !ok {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound)
		return
	}

	msg := types.Message{
		SeqId:       s.nextSeq,
		TempId:      params.TempId,
		UserId:      userId,
		RecipientId: params.RecipientId,
		EventId:     params.EventId,
		Content:     params.Content,
		Timestamp:   channel.Now(),
	}
	s.nextSeq++
	s.messages = append(s.messages, msg)

	s.updateConversation(userId, types.ConversationKey{UserId: params.RecipientId, EventId: params.EventId}, msg, false)
	s.updateConversation(params.RecipientId, types.ConversationKey{UserId: userId, EventId: params.EventId}, msg, true)
	s.mu.Unlock()

	s.deliver(msg)

	s.writeJson(w, http.StatusCreated, msg)
}

// updateConversation bumps owner's summary for key; unread counts only on
// the recipient side. Caller holds the lock.
func (s *Server) updateConversation(ownerId int, key types.ConversationKey, msg types.Message, inbound bool) {
	convs, ok := s.conversations[ownerId]
	if !ok {
		convs = make(map[types.ConversationKey]*conversationState)
		s.conversations[ownerId] = convs
	}

	state, ok := convs[key]
	if !ok {
		state = &conversationState{}
		convs[key] = state
	}

	state.lastMessage = msg.Content
	state.lastMessageUserId = msg.UserId
	state.updatedAt = msg.Timestamp
	if inbound {
		state.unread++
	}
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized)
		return
	}

	var req api.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	key := types.ConversationKey{UserId: req.UserId, EventId: req.EventId}
	if state, ok := s.conversations[userId][key]; ok {
		state.unread = 0
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createJwtForSession(userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

type contextKey string

const userIdKey contextKey = "user-id"

func userIdFrom(ctx context.Context) (int, bool) {
	userId, ok := ctx.Value(userIdKey).(int)
	return userId, ok
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenCookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(tokenCookie.Value, func(t *jwt.Token) (interface{}, error) {
			return s.signingKey, nil
		})
		if err != nil || !token.Valid {
			s.log.Printf("verify token: %v", err)
			s.writeError(w, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.writeError(w, http.StatusUnauthorized)
			return
		}

		userId, ok := claims[userIdClaim].(float64)
		if !ok {
			s.writeError(w, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIdKey, int(userId))
		next(w, r.WithContext(ctx))
	}
}
