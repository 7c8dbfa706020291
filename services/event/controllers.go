package event

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	appctx "github.com/quillpay/platform/libs/context"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/libs/requestutils"
)

const sseKeepaliveInterval = 30 * time.Second

// streamHandler adapts streaming endpoints which negotiate their own
// content type instead of the JSON envelope.
func streamHandler(fn func(http.ResponseWriter, *http.Request) *handlers.AppError) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e := fn(w, r); e != nil {
			if e.CorrelationID == "" {
				e.CorrelationID = appctx.GetCorrelationID(r.Context())
			}
			e.ServeHTTP(w, r)
		}
	})
}

// Router returns the event service routes
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/stream", streamHandler(svc.SSEHandler))
	r.Method(http.MethodGet, "/ws", streamHandler(svc.WebsocketHandler))
	r.Method(http.MethodPost, "/webhooks", handlers.AppHandler(svc.CreateSubscriptionHandler))
	r.Method(http.MethodGet, "/webhooks", handlers.AppHandler(svc.ListSubscriptionsHandler))
	r.Method(http.MethodDelete, "/webhooks/{subscriptionID}", handlers.AppHandler(svc.DeleteSubscriptionHandler))
	return r
}

// Service bundles the dispatcher with the pieces controllers need
type Service struct {
	Dispatcher *Dispatcher
	Hub        *Hub
	Datastore  Datastore
}

// NewService creates the event service
func NewService(dispatcher *Dispatcher, hub *Hub, ds Datastore) *Service {
	return &Service{Dispatcher: dispatcher, Hub: hub, Datastore: ds}
}

// subscriberRooms are the rooms an authenticated caller may stream
func subscriberRooms(userID, tenantID string) []string {
	return []string{"user:" + userID, "tenant:" + tenantID}
}

// SSEHandler streams events for the authenticated user over server sent
// events with a periodic keepalive comment.
func (s *Service) SSEHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	tenantID := appctx.GetTenantID(ctx)
	if userID == "" || tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "stream")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return handlers.WrapError(nil, "streaming unsupported", http.StatusInternalServerError)
	}

	sub := s.Hub.Subscribe(subscriberRooms(userID, tenantID)...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// cross origin policy is enforced upstream by the cors middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is a control message from a websocket session
type wsClientMessage struct {
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
	Ack    bool   `json:"ack,omitempty"`
	ID     string `json:"id,omitempty"`
}

// wsAck acknowledges a control message when requested
type wsAck struct {
	Ack    string `json:"ack"`
	ID     string `json:"id,omitempty"`
	Room   string `json:"room,omitempty"`
	Status string `json:"status"`
}

// WebsocketHandler upgrades the connection and streams events, honoring
// joinRoom/leaveRoom control messages for rooms the caller owns.
func (s *Service) WebsocketHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	logger := logging.Logger(ctx, "event.WebsocketHandler")

	userID := appctx.GetUserID(ctx)
	tenantID := appctx.GetTenantID(ctx)
	if userID == "" || tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "ws")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return nil
	}

	allowed := map[string]bool{}
	for _, room := range subscriberRooms(userID, tenantID) {
		allowed[room] = true
	}

	sub := s.Hub.Subscribe(subscriberRooms(userID, tenantID)...)

	// read pump: control messages until the peer goes away
	go func() {
		defer sub.Close()
		defer func() { _ = conn.Close() }()
		for {
			var msg wsClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			status := "ok"
			switch msg.Action {
			case "joinRoom":
				if allowed[msg.Room] {
					sub.Join(msg.Room)
				} else {
					status = "forbidden"
				}
			case "leaveRoom":
				sub.Leave(msg.Room)
			default:
				status = "unknown action"
			}
			if msg.Ack {
				_ = conn.WriteJSON(wsAck{Ack: msg.Action, ID: msg.ID, Room: msg.Room, Status: status})
			}
		}
	}()

	// write pump
	ping := time.NewTicker(sseKeepaliveInterval)
	defer ping.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return nil
			}
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed, closing session")
				return nil
			}
		}
	}
}

// CreateSubscriptionRequest registers a webhook endpoint
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" valid:"requrl"`
	Secret string   `json:"secret" valid:"required"`
	Types  []string `json:"types" valid:"-"`
}

// CreateSubscriptionHandler registers a webhook subscription for the
// caller's tenant.
func (s *Service) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "webhooks")
	}

	var req CreateSubscriptionRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	types := "*"
	if len(req.Types) > 0 {
		types = ""
		for i, t := range req.Types {
			if i > 0 {
				types += ","
			}
			types += t
		}
	}

	sub := &Subscription{
		TenantID: tenantID,
		URL:      req.URL,
		Secret:   req.Secret,
		Types:    types,
		Active:   true,
	}
	if err := s.Datastore.InsertSubscription(ctx, sub); err != nil {
		return handlers.CodedError(err, "failed to create webhook subscription")
	}
	return handlers.RenderContent(ctx, sub, w, http.StatusCreated)
}

// ListSubscriptionsHandler lists the tenant's webhook subscriptions
func (s *Service) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "webhooks")
	}

	subs, err := s.Datastore.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return handlers.CodedError(err, "failed to list webhook subscriptions")
	}
	return handlers.RenderContent(ctx, subs, w, http.StatusOK)
}

// DeleteSubscriptionHandler removes a webhook subscription
func (s *Service) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenantID := appctx.GetTenantID(ctx)
	id := chi.URLParam(r, "subscriptionID")

	sub, err := s.Datastore.GetSubscription(ctx, id)
	if err != nil {
		return handlers.CodedError(err, "failed to load webhook subscription")
	}
	if sub.TenantID != tenantID {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindForbidden, nil, "subscription belongs to another tenant", nil), "webhooks")
	}
	if err := s.Datastore.DeleteSubscription(ctx, id); err != nil {
		return handlers.CodedError(err, "failed to delete webhook subscription")
	}
	return handlers.RenderContent(ctx, map[string]string{"status": "deleted"}, w, http.StatusOK)
}
