package websocket

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/credits/internal/billing/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, accountID int64) *Client {
	return &Client{
		hub:       hub,
		conn:      nil,
		accountID: accountID,
		send:      make(chan []byte, sendBufferSize),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, 1)
	c2 := mockClient(hub, 2)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, 1)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestAccountUpdatedReachesOnlyThatAccount(t *testing.T) {
	hub := NewHub(slog.Default())

	alice1 := mockClient(hub, 1)
	alice2 := mockClient(hub, 1)
	bob := mockClient(hub, 2)
	for _, c := range []*Client{alice1, alice2, bob} {
		hub.Register(c)
	}

	hub.AccountUpdated(model.Account{ID: 1, Email: "alice@example.com", Credits: 250}, "credits_used")

	for _, c := range []*Client{alice1, alice2} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "account_credits_used" {
				t.Errorf("expected type account_credits_used, got %s", got.Type)
			}
			if got.AccountID != 1 || got.Account.Credits != 250 {
				t.Errorf("got account %d with %d credits", got.AccountID, got.Account.Credits)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}

	select {
	case <-bob.send:
		t.Error("another account's client must not receive the update")
	default:
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.Broadcast(NewMessage(model.Account{ID: 1}, "cancelled"))
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub, 1)
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Broadcast(NewMessage(model.Account{ID: 1, Credits: int64(i)}, "credits_used"))
	}

	// This should drop the message, not panic or block
	hub.Broadcast(NewMessage(model.Account{ID: 1}, "renewed"))

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(model.Account{ID: 5}, "payment_captured")
	if msg.Type != "account_payment_captured" {
		t.Errorf("expected type account_payment_captured, got %s", msg.Type)
	}
	if msg.Event != "payment_captured" {
		t.Errorf("expected event payment_captured, got %s", msg.Event)
	}
	if msg.AccountID != 5 {
		t.Errorf("expected account id 5, got %d", msg.AccountID)
	}
}

func TestMessageOmitsIdentity(t *testing.T) {
	msg := NewMessage(model.Account{ID: 5, Email: "alice@example.com", Name: "Alice", Credits: 42}, "credits_used")
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "alice@example.com") || strings.Contains(string(data), "Alice") {
		t.Errorf("message leaks identity: %s", data)
	}
	if msg.Account.Credits != 42 {
		t.Errorf("credits = %d, want 42", msg.Account.Credits)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, int64(i%3))
			hub.Register(c)
			hub.Broadcast(NewMessage(model.Account{ID: int64(i % 3)}, "credits_used"))
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
