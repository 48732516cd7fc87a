// Package wechatweb speaks the WeChat web-channel protocol: QR login,
// incremental message sync, article link extraction from inbound messages,
// and binding subscriptions to the official-account senders behind them.
package wechatweb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// sessionTTL is how long a confirmed login stays usable before the operator
// has to scan again.
const sessionTTL = 48 * time.Hour

// syncHosts are tried in order; a session remembers the last one that
// answered.
var syncHosts = []string{
	"webpush.wx.qq.com",
	"webpush.weixin.qq.com",
	"webpush2.weixin.qq.com",
	"webpush2.wx.qq.com",
}

// SyncKeyItem is one cursor entry in the server's incremental sync state.
type SyncKeyItem struct {
	Key int64 `json:"Key"`
	Val int64 `json:"Val"`
}

// SyncKey is the opaque incremental cursor returned by webwxinit and
// advanced by every webwxsync.
type SyncKey struct {
	Count int           `json:"Count"`
	List  []SyncKeyItem `json:"List"`
}

// String renders the cursor in the query form synccheck expects.
func (k SyncKey) String() string {
	parts := make([]string, 0, len(k.List))
	for _, item := range k.List {
		parts = append(parts, strconv.FormatInt(item.Key, 10)+"_"+strconv.FormatInt(item.Val, 10))
	}
	return strings.Join(parts, "|")
}

// Session is the full authenticated web-channel state. It is serialized to
// the vault as one JSON blob; only non-sensitive metadata ever reaches the
// database.
type Session struct {
	BaseURI    string            `json:"base_uri"`
	Wxuin      string            `json:"wxuin"`
	SID        string            `json:"sid"`
	SKey       string            `json:"skey"`
	PassTicket string            `json:"pass_ticket"`
	DeviceID   string            `json:"device_id"`
	SyncKey    SyncKey           `json:"sync_key"`
	SyncHost   string            `json:"sync_host"`
	Cookies    map[string]string `json:"cookies"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Nickname   string            `json:"nickname"`
}

// Expired reports whether the session needs a fresh login.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SerializeSession renders the session for vault storage.
func SerializeSession(sess *Session) (string, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseSession decodes a vault blob. Returns nil for anything unusable;
// missing fields get safe defaults so older blobs keep working.
func ParseSession(raw string) *Session {
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil
	}
	if sess.DeviceID == "" {
		sess.DeviceID = newDeviceID()
	}
	if sess.SyncHost == "" {
		sess.SyncHost = syncHosts[0]
	}
	if sess.Cookies == nil {
		sess.Cookies = map[string]string{}
	}
	return &sess
}

// AccountFingerprint is the stable database key for a logged-in account.
// Hashing the uin keeps the raw account number out of the database.
func AccountFingerprint(wxuin string) string {
	sum := sha256.Sum256([]byte("wxuin:" + wxuin))
	return hex.EncodeToString(sum[:])
}

// newDeviceID fabricates the client device id the web protocol expects:
// an "e" followed by 15 digits.
func newDeviceID() string {
	var b strings.Builder
	b.WriteByte('e')
	for i := 0; i < 15; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}
