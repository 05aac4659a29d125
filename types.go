package tably

import "encoding/json"

// ============================================================================
// REST Envelope
// ============================================================================

// APIResult is the generic REST response envelope: every Tably endpoint
// wraps its payload in {ok, data, error}.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Auth Types
// ============================================================================

// AuthData is the payload of login and refresh responses. The refresh
// endpoint returns a bare token pair; login additionally carries the user.
type AuthData struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresIn    int          `json:"expiresIn,omitempty"`
	User         *UserProfile `json:"user,omitempty"`
}

// UserProfile describes an authenticated user within their company.
type UserProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	CompanyID string `json:"companyId"`
	Role      string `json:"role"`
}

// ============================================================================
// Order Types
// ============================================================================

// Order statuses as the kitchen flow moves them along.
const (
	OrderStatusPending   = "pending"
	OrderStatusPreparing = "preparing"
	OrderStatusReady     = "ready"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

type Order struct {
	ID        string      `json:"id"`
	CompanyID string      `json:"companyId"`
	TableID   string      `json:"tableId,omitempty"`
	Status    string      `json:"status"`
	Items     []OrderItem `json:"items,omitempty"`
	Total     float64     `json:"total"`
	Note      string      `json:"note,omitempty"`
	CreatedAt string      `json:"createdAt"`
	UpdatedAt string      `json:"updatedAt,omitempty"`
}

type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Note      string  `json:"note,omitempty"`
}

// OrderListOptions filters an order listing.
type OrderListOptions struct {
	Status string
	Limit  int
	Offset int
}

// ============================================================================
// Chat Types
// ============================================================================

type ChatMessage struct {
	ID         string `json:"id"`
	Channel    string `json:"channel"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Body       string `json:"body"`
	CreatedAt  string `json:"createdAt"`
}

// ============================================================================
// Inventory Types
// ============================================================================

type StockItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit,omitempty"`
	ReorderAt float64 `json:"reorderAt"`
}

// ============================================================================
// Push Event Payloads
// ============================================================================

// StatusUpdateEvent is the payload of status-update push events.
type StatusUpdateEvent struct {
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// new-order carries a full Order, chat-message a ChatMessage and
// low-stock-alert a StockItem; those types double as push payloads.

// ============================================================================
// Typed Registration Helpers
// ============================================================================

// OnNewOrder registers a typed handler for new-order events. Payloads that
// fail to decode are dropped and logged.
func (rt *RealtimeClient) OnNewOrder(h func(Order)) (off func()) {
	return rt.On(EventNewOrder, func(payload json.RawMessage) {
		var o Order
		if err := json.Unmarshal(payload, &o); err != nil {
			rt.log.Warn("realtime.event.decode", "kind", EventNewOrder, "error", err)
			return
		}
		h(o)
	})
}

// OnStatusUpdate registers a typed handler for status-update events.
func (rt *RealtimeClient) OnStatusUpdate(h func(StatusUpdateEvent)) (off func()) {
	return rt.On(EventStatusUpdate, func(payload json.RawMessage) {
		var e StatusUpdateEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			rt.log.Warn("realtime.event.decode", "kind", EventStatusUpdate, "error", err)
			return
		}
		h(e)
	})
}

// OnChatMessage registers a typed handler for chat-message events.
func (rt *RealtimeClient) OnChatMessage(h func(ChatMessage)) (off func()) {
	return rt.On(EventChatMessage, func(payload json.RawMessage) {
		var m ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			rt.log.Warn("realtime.event.decode", "kind", EventChatMessage, "error", err)
			return
		}
		h(m)
	})
}

// OnLowStock registers a typed handler for low-stock-alert events.
func (rt *RealtimeClient) OnLowStock(h func(StockItem)) (off func()) {
	return rt.On(EventLowStockAlert, func(payload json.RawMessage) {
		var s StockItem
		if err := json.Unmarshal(payload, &s); err != nil {
			rt.log.Warn("realtime.event.decode", "kind", EventLowStockAlert, "error", err)
			return
		}
		h(s)
	})
}
