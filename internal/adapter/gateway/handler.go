package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/usecase"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Runner *usecase.Runner
	Bus    domain.EventBus
	Logger *slog.Logger
}

// SessionStore tracks conversation buffers by ID for gateway clients.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*usecase.Buffer
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*usecase.Buffer)}
}

// Get returns the buffer for a session ID.
func (s *SessionStore) Get(id string) (*usecase.Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.sessions[id]
	if !ok {
		return nil, domain.NewDomainError("SessionStore.Get", domain.ErrSessionNotFound, id)
	}
	return buf, nil
}

// Put stores a buffer under its own ID.
func (s *SessionStore) Put(buf *usecase.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[buf.ID()] = buf
}

// Delete removes a session. Returns false if it did not exist.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// IDs returns all session IDs.
func (s *SessionStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RegisterDefaultHandlers registers the built-in RPC handlers on the
// server and returns the session store backing them.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) *SessionStore {
	sessions := NewSessionStore()
	active := &sync.Map{} // sessionID -> context.CancelFunc

	s.RegisterHandler("session.create", sessionCreateHandler(deps, sessions))
	s.RegisterHandler("session.list", sessionListHandler(sessions))
	s.RegisterHandler("session.delete", sessionDeleteHandler(deps, sessions, active))
	s.RegisterHandler("agent.query", agentQueryHandler(deps, sessions, active, false))
	s.RegisterHandler("agent.continue", agentQueryHandler(deps, sessions, active, true))
	s.RegisterHandler("agent.stream", agentStreamHandler(deps, sessions, active))
	s.RegisterHandler("agent.abort", agentAbortHandler(active))

	return sessions
}

// --- sessions ---

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

func sessionCreateHandler(deps HandlerDeps, sessions *SessionStore) RPCHandler {
	return func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		buf := deps.Runner.CreateContext()
		sessions.Put(buf)
		publish(ctx, deps.Bus, domain.EventSessionCreated, buf.ID(), nil)
		return json.Marshal(sessionResponse{SessionID: buf.ID()})
	}
}

func sessionListHandler(sessions *SessionStore) RPCHandler {
	return func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string][]string{"sessions": sessions.IDs()})
	}
}

type sessionDeleteRequest struct {
	SessionID string `json:"session_id"`
}

func sessionDeleteHandler(deps HandlerDeps, sessions *SessionStore, active *sync.Map) RPCHandler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req sessionDeleteRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.SessionID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		// Abort any in-flight run before dropping the buffer.
		if val, ok := active.LoadAndDelete(req.SessionID); ok {
			if cancel, ok := val.(context.CancelFunc); ok {
				cancel()
			}
		}

		if !sessions.Delete(req.SessionID) {
			return nil, domain.NewDomainError("gateway.session_delete", domain.ErrSessionNotFound, req.SessionID)
		}
		publish(ctx, deps.Bus, domain.EventSessionDeleted, req.SessionID, nil)
		return json.Marshal(map[string]bool{"deleted": true})
	}
}

// --- agent ---

type agentRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

func agentQueryHandler(deps HandlerDeps, sessions *SessionStore, active *sync.Map, isContinue bool) RPCHandler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req agentRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.SessionID == "" || req.Prompt == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		buf, err := sessions.Get(req.SessionID)
		if err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		active.Store(req.SessionID, cancel)
		defer active.Delete(req.SessionID)

		var res *domain.AgentResult
		if isContinue {
			res, err = deps.Runner.Continue(reqCtx, buf, req.Prompt)
		} else {
			res, err = deps.Runner.Query(reqCtx, buf, req.Prompt)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

type agentStreamRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Continue  bool   `json:"continue,omitempty"`
}

type agentStreamResponse struct {
	Streaming bool   `json:"streaming"`
	SessionID string `json:"session_id"`
}

// streamEventPayload is the bus-facing form of an AgentEvent; the
// embedded Err does not marshal, so its text rides in a separate field.
type streamEventPayload struct {
	domain.AgentEvent
	Error string `json:"error,omitempty"`
}

func agentStreamHandler(deps HandlerDeps, sessions *SessionStore, active *sync.Map) RPCHandler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req agentStreamRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.SessionID == "" || req.Prompt == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		buf, err := sessions.Get(req.SessionID)
		if err != nil {
			return nil, err
		}

		// The stream must outlive this RPC: detach from the request
		// context and cancel through agent.abort or session.delete.
		streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		active.Store(req.SessionID, cancel)

		var ch <-chan domain.AgentEvent
		if req.Continue {
			ch, err = deps.Runner.ContinueStream(streamCtx, buf, req.Prompt)
		} else {
			ch, err = deps.Runner.QueryStream(streamCtx, buf, req.Prompt)
		}
		if err != nil {
			cancel()
			active.Delete(req.SessionID)
			return nil, err
		}

		// Drain progress events onto the bus; the server forwards them
		// to every connected client.
		go func() {
			defer cancel()
			defer active.Delete(req.SessionID)
			for ev := range ch {
				p := streamEventPayload{AgentEvent: ev}
				if ev.Err != nil {
					p.Error = ev.Err.Error()
				}
				publish(streamCtx, deps.Bus, domain.EventStreamDelta, req.SessionID, p)
			}
		}()

		return json.Marshal(agentStreamResponse{Streaming: true, SessionID: req.SessionID})
	}
}

type agentAbortRequest struct {
	SessionID string `json:"session_id"`
}

func agentAbortHandler(active *sync.Map) RPCHandler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req agentAbortRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.SessionID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		aborted := false
		if val, ok := active.LoadAndDelete(req.SessionID); ok {
			if cancel, ok := val.(context.CancelFunc); ok {
				cancel()
				aborted = true
			}
		}
		return json.Marshal(map[string]bool{"aborted": aborted})
	}
}

func publish(ctx context.Context, bus domain.EventBus, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}
