package wechatweb

import (
	"strings"
	"testing"
	"time"
)

func TestSyncKeyString(t *testing.T) {
	key := SyncKey{Count: 2, List: []SyncKeyItem{{Key: 1, Val: 100}, {Key: 2, Val: 200}}}
	if got, want := key.String(), "1_100|2_200"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestSyncKeyStringEmpty(t *testing.T) {
	if got := (SyncKey{}).String(); got != "" {
		t.Fatalf("String() = %q, want empty", got)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	sess := &Session{
		BaseURI:    "https://wx.qq.com",
		Wxuin:      "1234567",
		SID:        "sid-value",
		SKey:       "@crypt_abc",
		PassTicket: "ticket",
		DeviceID:   "e123456789012345",
		SyncKey:    SyncKey{Count: 1, List: []SyncKeyItem{{Key: 1, Val: 42}}},
		SyncHost:   "webpush.weixin.qq.com",
		Cookies:    map[string]string{"wxsid": "sid-value"},
		ExpiresAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Nickname:   "测试账号",
	}
	raw, err := SerializeSession(sess)
	if err != nil {
		t.Fatal(err)
	}
	got := ParseSession(raw)
	if got == nil {
		t.Fatal("ParseSession returned nil")
	}
	if got.Wxuin != sess.Wxuin || got.SKey != sess.SKey || got.Nickname != sess.Nickname {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.SyncKey.String() != "1_42" {
		t.Fatalf("SyncKey = %q, want 1_42", got.SyncKey.String())
	}
	if got.SyncHost != "webpush.weixin.qq.com" {
		t.Fatalf("SyncHost = %q", got.SyncHost)
	}
	if !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, sess.ExpiresAt)
	}
}

func TestParseSessionDefaults(t *testing.T) {
	got := ParseSession(`{"wxuin":"99"}`)
	if got == nil {
		t.Fatal("ParseSession returned nil")
	}
	if got.SyncHost != "webpush.wx.qq.com" {
		t.Fatalf("SyncHost = %q, want first production host", got.SyncHost)
	}
	if got.Cookies == nil {
		t.Fatal("Cookies not initialized")
	}
	if !strings.HasPrefix(got.DeviceID, "e") || len(got.DeviceID) != 16 {
		t.Fatalf("DeviceID = %q, want e plus 15 digits", got.DeviceID)
	}
}

func TestParseSessionGarbage(t *testing.T) {
	if got := ParseSession("not json"); got != nil {
		t.Fatalf("ParseSession = %+v, want nil", got)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := &Session{ExpiresAt: now}
	if !sess.Expired(now) {
		t.Fatal("session expiring exactly now should count as expired")
	}
	sess.ExpiresAt = now.Add(time.Minute)
	if sess.Expired(now) {
		t.Fatal("session with a minute left should not be expired")
	}
}

func TestAccountFingerprintStable(t *testing.T) {
	a := AccountFingerprint("1234567")
	b := AccountFingerprint("1234567")
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
	if a == AccountFingerprint("7654321") {
		t.Fatal("different uins must not collide")
	}
}
