package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func TestOrderVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubHex := hex.EncodeToString(pub)

	v := NewOrderVerifier("")
	if v.HasKey() {
		t.Error("HasKey() true before SetPublicKey")
	}
	if err := v.VerifyOrder("anything", "00"); err == nil {
		t.Error("VerifyOrder succeeded without a key")
	}

	if err := v.SetPublicKey(pubHex); err != nil {
		t.Fatal(err)
	}
	if !v.HasKey() || v.PublicKeyHex() != pubHex {
		t.Error("key not recorded")
	}

	payload, err := BuildSignedPayload(map[string]interface{}{
		"order_id":   "ORD-42",
		"order_type": "reload_rules",
		"issued_at":  "2026-03-01T10:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(payload)))

	if err := v.VerifyOrder(payload, sig); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}
	if err := v.VerifyOrder(payload+" ", sig); err == nil {
		t.Error("modified payload accepted")
	}
	if err := v.VerifyOrder(payload, "zz"); err == nil {
		t.Error("malformed signature accepted")
	}
}

func TestSetPublicKeyRejectsBadInput(t *testing.T) {
	v := NewOrderVerifier("")
	if err := v.SetPublicKey("nothex"); err == nil {
		t.Error("non-hex key accepted")
	}
	if err := v.SetPublicKey("abcd"); err == nil {
		t.Error("short key accepted")
	}
}

func TestBuildSignedPayloadFormat(t *testing.T) {
	// Must match python json.dumps(..., sort_keys=True) separators.
	got, err := BuildSignedPayload(map[string]interface{}{
		"b": 2,
		"a": "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a": "x", "b": 2}`
	if got != want {
		t.Errorf("payload = %q, want %q", got, want)
	}
}
