package tably

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testWebhookSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestWebhookPayload() map[string]any {
	return map[string]any{
		"source":    "tably",
		"event":     WebhookEventOrderCreated,
		"timestamp": 1700000000,
		"companyId": "company-001",
		"order": map[string]any{
			"id":        "order-001",
			"companyId": "company-001",
			"tableId":   "7",
			"status":    OrderStatusPending,
			"items": []map[string]any{
				{"productId": "prod-01", "name": "Margherita", "quantity": 2, "price": 11.50},
			},
			"total":     23.0,
			"createdAt": "2026-01-01T00:00:00Z",
		},
	}
}

func makeTestWebhookBody() string {
	b, _ := json.Marshal(makeTestWebhookPayload())
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestWebhookBody()
		sig := makeTestSignature(body, testWebhookSecret)
		if !VerifyWebhookSignature(body, sig, testWebhookSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestWebhookBody()
		sig := strings.TrimPrefix(makeTestSignature(body, testWebhookSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testWebhookSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestWebhookBody()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature(body, sig, testWebhookSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestWebhookBody()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testWebhookSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestWebhookBody()
		sig := makeTestSignature(body, testWebhookSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testWebhookSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty body", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testWebhookSecret) {
			t.Fatal("expected false for empty body")
		}
	})

	t.Run("empty signature", func(t *testing.T) {
		if VerifyWebhookSignature("body", "", testWebhookSecret) {
			t.Fatal("expected false for empty signature")
		}
	})

	t.Run("empty secret", func(t *testing.T) {
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
	})

	t.Run("sha256= prefix only", func(t *testing.T) {
		if VerifyWebhookSignature("body", "sha256=", testWebhookSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		body := makeTestWebhookBody()
		payload, err := ParseWebhookPayload(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.Source != "tably" {
			t.Fatalf("expected source tably, got %s", payload.Source)
		}
		if payload.Event != WebhookEventOrderCreated {
			t.Fatalf("expected event %s, got %s", WebhookEventOrderCreated, payload.Event)
		}
		if payload.Order.ID != "order-001" {
			t.Fatalf("expected order id order-001, got %s", payload.Order.ID)
		}
		if payload.Order.Status != OrderStatusPending {
			t.Fatalf("expected status %s, got %s", OrderStatusPending, payload.Order.Status)
		}
		if len(payload.Order.Items) != 1 || payload.Order.Items[0].Name != "Margherita" {
			t.Fatalf("unexpected items: %+v", payload.Order.Items)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseWebhookPayload("not json")
		if err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		data := makeTestWebhookPayload()
		data["source"] = "unknown"
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "unknown webhook source") {
			t.Fatalf("expected unknown source error, got: %v", err)
		}
	})

	t.Run("missing event", func(t *testing.T) {
		data := makeTestWebhookPayload()
		data["event"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing event") {
			t.Fatalf("expected missing event error, got: %v", err)
		}
	})

	t.Run("missing order ID", func(t *testing.T) {
		data := makeTestWebhookPayload()
		order := data["order"].(map[string]any)
		order["id"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing required fields") {
			t.Fatalf("expected missing fields error, got: %v", err)
		}
	})
}

// ============================================================================
// NewWebhook
// ============================================================================

func TestNewWebhook(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		_, err := NewWebhook("", func(p *WebhookPayload) error { return nil })
		if err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("valid creation", func(t *testing.T) {
		wh, err := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wh == nil {
			t.Fatal("expected non-nil webhook")
		}
	})
}

// ============================================================================
// Webhook.Handle
// ============================================================================

func TestWebhookHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error { return nil })
		body := makeTestWebhookBody()
		status, data := wh.Handle(body, "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error { return nil })
		body := `{"source": "unknown"}`
		sig := makeTestSignature(body, testWebhookSecret)
		status, _ := wh.Handle(body, sig)
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("success", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error { return nil })
		body := makeTestWebhookBody()
		sig := makeTestSignature(body, testWebhookSecret)
		status, data := wh.Handle(body, sig)
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		m := data.(map[string]bool)
		if !m["ok"] {
			t.Fatal("expected ok:true")
		}
	})

	t.Run("handler error", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error {
			return fmt.Errorf("kitchen printer offline")
		})
		body := makeTestWebhookBody()
		sig := makeTestSignature(body, testWebhookSecret)
		status, data := wh.Handle(body, sig)
		if status != 500 {
			t.Fatalf("expected 500, got %d", status)
		}
		m := data.(map[string]string)
		if !strings.Contains(m["error"], "kitchen printer offline") {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})
}

// ============================================================================
// Webhook.HTTPHandler
// ============================================================================

func TestWebhookHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error { return nil })
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error { return nil })
		body := makeTestWebhookBody()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set("X-Tably-Signature", "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error { return nil })
		body := makeTestWebhookBody()
		sig := makeTestSignature(body, testWebhookSecret)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set("X-Tably-Signature", sig)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
	})

	t.Run("payload passed to handler", func(t *testing.T) {
		var received *WebhookPayload
		wh, _ := NewWebhook(testWebhookSecret, func(p *WebhookPayload) error {
			received = p
			return nil
		})
		body := makeTestWebhookBody()
		sig := makeTestSignature(body, testWebhookSecret)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set("X-Tably-Signature", sig)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)

		if received == nil {
			t.Fatal("handler was not called")
		}
		if received.CompanyID != "company-001" {
			t.Fatalf("unexpected company: %s", received.CompanyID)
		}
		if received.Order.TableID != "7" {
			t.Fatalf("unexpected table: %s", received.Order.TableID)
		}
		if received.Order.Total != 23.0 {
			t.Fatalf("unexpected total: %v", received.Order.Total)
		}
	})
}
