package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/credits/internal/billing/model"
)

// Message is an account change pushed to the account's subscribers.
type Message struct {
	Type      string       `json:"type"`
	Event     string       `json:"event"`
	AccountID int64        `json:"account_id"`
	Account   AccountState `json:"account"`
}

// AccountState is the billing state carried by a Message. Identity fields
// (email, name) are left out; subscribing only needs the account id.
type AccountState struct {
	Credits       int64                    `json:"credits"`
	Status        model.SubscriptionStatus `json:"subscription_status"`
	MonthlyUsed   int64                    `json:"monthly_used"`
	LastPaymentAt *time.Time               `json:"last_payment_at"`
	NextRenewalAt *time.Time               `json:"next_renewal_at"`
	Version       int64                    `json:"version"`
}

// NewMessage creates a Message with the Type field derived from event.
func NewMessage(acct model.Account, event string) Message {
	return Message{
		Type:      "account_" + event,
		Event:     event,
		AccountID: acct.ID,
		Account: AccountState{
			Credits:       acct.Credits,
			Status:        acct.Status,
			MonthlyUsed:   acct.MonthlyUsed,
			LastPaymentAt: acct.LastPaymentAt,
			NextRenewalAt: acct.NextRenewalAt,
			Version:       acct.Version,
		},
	}
}

// Hub maintains the set of active WebSocket clients and routes each
// message to the clients watching that account.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends msg to every client subscribed to msg.AccountID.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.accountID != msg.AccountID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop the message
			h.logger.Debug("websocket client buffer full", "account_id", c.accountID)
		}
	}
}

// AccountUpdated broadcasts the account's new state.
func (h *Hub) AccountUpdated(acct model.Account, event string) {
	h.Broadcast(NewMessage(acct, event))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
