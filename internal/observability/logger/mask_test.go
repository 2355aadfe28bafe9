package logger

import "testing"

func TestMaskJSONMasksSensitiveKeys(t *testing.T) {
	input := map[string]any{
		"api_key":         "sk_live_abcdef123456",
		"idempotency_key": "order:12345678",
		"amount":          int64(2500),
		"nested": map[string]any{
			"webhook_secret": "whsec_deadbeef",
			"currency":       "USD",
		},
	}

	out := MaskJSON(input)

	if out["api_key"] != "****3456" {
		t.Fatalf("api_key not masked: %v", out["api_key"])
	}
	if out["idempotency_key"] != "****5678" {
		t.Fatalf("idempotency_key not masked: %v", out["idempotency_key"])
	}
	if out["amount"] != int64(2500) {
		t.Fatalf("amount should pass through: %v", out["amount"])
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested map lost: %v", out["nested"])
	}
	if nested["webhook_secret"] != "****beef" {
		t.Fatalf("nested secret not masked: %v", nested["webhook_secret"])
	}
	if nested["currency"] != "USD" {
		t.Fatalf("nested currency should pass through: %v", nested["currency"])
	}
	if input["api_key"] != "sk_live_abcdef123456" {
		t.Fatal("input must not be mutated")
	}
}

func TestMaskAPIKey(t *testing.T) {
	if got := MaskAPIKey("tk_1234567890"); got != "****7890" {
		t.Fatalf("MaskAPIKey = %q", got)
	}
	if got := MaskAPIKey("ab"); got != "****ab" {
		t.Fatalf("MaskAPIKey short = %q", got)
	}
	if got := MaskAPIKey("  "); got != "" {
		t.Fatalf("MaskAPIKey blank = %q", got)
	}
}
