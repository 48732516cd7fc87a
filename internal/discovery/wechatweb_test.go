package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/vault"
	"github.com/wxagent/wxagent/internal/wechatweb"
)

func webTestSession(srvURL string, expires time.Time) *wechatweb.Session {
	return &wechatweb.Session{
		BaseURI:    srvURL,
		Wxuin:      "1234567",
		SID:        "sid1",
		SKey:       "@crypt_s",
		PassTicket: "pt1",
		DeviceID:   "e123456789012345",
		SyncKey:    wechatweb.SyncKey{Count: 1, List: []wechatweb.SyncKeyItem{{Key: 1, Val: 100}}},
		SyncHost:   srvURL,
		Cookies:    map[string]string{"wxsid": "sid1"},
		ExpiresAt:  expires,
		Nickname:   "操作员",
	}
}

func storeWebSession(t *testing.T, v vault.Vault, sess *wechatweb.Session) {
	t.Helper()
	raw, err := wechatweb.SerializeSession(sess)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Set("wechat_web", raw); err != nil {
		t.Fatal(err)
	}
}

func TestWechatWebSearchSyncsOnceAndBucketsBySender(t *testing.T) {
	st := newTestStore(t)
	sub := seedSubscription(t, st, "机器之心", "almosthuman2014")

	const articleURL = "https://mp.weixin.qq.com/s?__biz=MzA1&mid=55&idx=1&sn=abc"
	content := "<msg><appmsg><title><![CDATA[今日文章]]></title><des>" + articleURL + " 点击阅读</des></appmsg></msg>"

	contactCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxgetcontact", func(w http.ResponseWriter, r *http.Request) {
		contactCalls++
		fmt.Fprint(w, `{"BaseResponse":{"Ret":0},"MemberList":[`+
			`{"UserName":"gh_jqzx","NickName":"机器之心","VerifyFlag":8},`+
			`{"UserName":"friend001","NickName":"老王","VerifyFlag":0}]}`)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/synccheck", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `window.synccheck={retcode:"0",selector:"2"}`)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxsync", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"BaseResponse":{"Ret":0},"AddMsgList":[`+
			`{"MsgId":"m1","FromUserName":"gh_jqzx","MsgType":49,"Content":"%s","CreateTime":1704448200},`+
			`{"MsgId":"m2","FromUserName":"gh_jqzx","MsgType":1,"Content":"早上好","CreateTime":1704448300}],`+
			`"SyncKey":{"Count":1,"List":[{"Key":1,"Val":101}]}}`, content)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v := &vault.FileVault{Path: filepath.Join(t.TempDir(), "vault.json")}
	storeWebSession(t, v, webTestSession(srv.URL, time.Now().Add(time.Hour)))

	p := NewWechatWebProvider(st, v, 2*time.Second)
	p.Sync.Hosts = []string{srv.URL}

	refs, err := p.Search(context.Background(), sub, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("got %d refs, want 1", len(refs))
	}
	ref := refs[0]
	if ref.URL != articleURL {
		t.Fatalf("ref.URL = %q, want %q", ref.URL, articleURL)
	}
	if ref.TitleHint != "今日文章" {
		t.Fatalf("ref.TitleHint = %q", ref.TitleHint)
	}
	if ref.Channel != model.ChannelWechatWeb || ref.Confidence != 0.95 {
		t.Fatalf("ref = %+v, want wechat_web at 0.95", ref)
	}
	if want := time.Unix(1704448200, 0).UTC(); !ref.PublishedHint.Equal(want) {
		t.Fatalf("published hint = %v, want %v", ref.PublishedHint, want)
	}

	metrics := p.Metrics()
	if metrics.SyncBatches != 1 || metrics.OfficialMsgs != 2 || metrics.ArticleRefsExtracted != 1 || metrics.BlockedByAuth != 0 {
		t.Fatalf("metrics = %+v", metrics)
	}

	// A second subscription on the same day reads the cached buckets.
	other := seedSubscription(t, st, "量子位", "auto_q")
	otherRefs, err := p.Search(context.Background(), other, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(otherRefs) != 0 {
		t.Fatalf("unbound subscription got %d refs, want 0", len(otherRefs))
	}
	if contactCalls != 1 {
		t.Fatalf("contacts refreshed %d times, want 1 sync per day", contactCalls)
	}

	// Side effects: binding, inbox row, advanced cursor, refreshed vault blob.
	binding, err := st.GetBinding(sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if binding == nil || binding.Status != model.BindBound || binding.UserName != "gh_jqzx" {
		t.Fatalf("binding = %+v, want auto-bound to gh_jqzx", binding)
	}
	account, err := st.GetWechatAccountByFingerprint(wechatweb.AccountFingerprint("1234567"))
	if err != nil {
		t.Fatal(err)
	}
	if account == nil {
		t.Fatal("wechat account not persisted")
	}
	inbox, err := st.ListInboundMessagesSince(account.ID, "gh_jqzx", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].MsgID != "m1" || inbox[0].URL != articleURL {
		t.Fatalf("inbox rows = %+v", inbox)
	}
	state, err := st.GetWechatSyncState(account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || !strings.Contains(state.SyncKeyJSON, `"Val":101`) {
		t.Fatalf("sync state = %+v, cursor not advanced", state)
	}
	raw, err := v.Get("wechat_web")
	if err != nil {
		t.Fatal(err)
	}
	saved := wechatweb.ParseSession(raw)
	if saved == nil || saved.SyncKey.String() != "1_101" {
		t.Fatalf("vault session cursor = %v, want 1_101", saved)
	}

	// A new target day triggers a fresh sync.
	if _, err := p.Search(context.Background(), sub, testDay.AddDate(0, 0, 1)); err != nil {
		t.Fatal(err)
	}
	if contactCalls != 2 {
		t.Fatalf("contacts refreshed %d times after day change, want 2", contactCalls)
	}
}

func TestWechatWebSearchRequiresLogin(t *testing.T) {
	st := newTestStore(t)
	sub := seedSubscription(t, st, "机器之心", "almosthuman2014")
	v := &vault.FileVault{Path: filepath.Join(t.TempDir(), "vault.json")}

	p := NewWechatWebProvider(st, v, time.Second)

	_, err := p.Search(context.Background(), sub, testDay)
	if err == nil || !strings.Contains(err.Error(), "AUTH_REQUIRED") || !strings.Contains(err.Error(), "wxagent login") {
		t.Fatalf("err = %v, want login-required auth error", err)
	}
	if p.Metrics().BlockedByAuth != 1 {
		t.Fatalf("metrics = %+v, want BlockedByAuth=1", p.Metrics())
	}

	// Only the first subscription of the day surfaces the failure.
	other := seedSubscription(t, st, "量子位", "auto_q")
	refs, err := p.Search(context.Background(), other, testDay)
	if err != nil {
		t.Fatalf("second subscription err = %v, want silent empty result", err)
	}
	if len(refs) != 0 {
		t.Fatalf("got %d refs, want 0", len(refs))
	}
	if p.Metrics().BlockedByAuth != 1 {
		t.Fatalf("metrics = %+v, BlockedByAuth must survive cached failures", p.Metrics())
	}
}

func TestWechatWebSearchExpiredSession(t *testing.T) {
	st := newTestStore(t)
	sub := seedSubscription(t, st, "机器之心", "almosthuman2014")
	v := &vault.FileVault{Path: filepath.Join(t.TempDir(), "vault.json")}
	storeWebSession(t, v, webTestSession("http://127.0.0.1:0", time.Now().Add(-time.Minute)))

	p := NewWechatWebProvider(st, v, time.Second)

	_, err := p.Search(context.Background(), sub, testDay)
	if err == nil || !strings.Contains(err.Error(), "登录态已失效") {
		t.Fatalf("err = %v, want expired-session auth error", err)
	}
	if p.Metrics().BlockedByAuth != 1 {
		t.Fatalf("metrics = %+v, want BlockedByAuth=1", p.Metrics())
	}
}

func TestWechatWebSearchSyncAuthFailure(t *testing.T) {
	st := newTestStore(t)
	sub := seedSubscription(t, st, "机器之心", "almosthuman2014")

	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxgetcontact", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"BaseResponse":{"Ret":0},"MemberList":[{"UserName":"gh_jqzx","NickName":"机器之心","VerifyFlag":8}]}`)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/synccheck", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `window.synccheck={retcode:"1101",selector:"0"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v := &vault.FileVault{Path: filepath.Join(t.TempDir(), "vault.json")}
	storeWebSession(t, v, webTestSession(srv.URL, time.Now().Add(time.Hour)))

	p := NewWechatWebProvider(st, v, 2*time.Second)
	p.Sync.Hosts = []string{srv.URL}

	_, err := p.Search(context.Background(), sub, testDay)
	if err == nil || !strings.Contains(err.Error(), "AUTH_REQUIRED") {
		t.Fatalf("err = %v, want the sync client's auth failure to surface", err)
	}
	kind, _ := classifyDiscoveryError(err)
	if kind != model.ErrKindAuthExpired {
		t.Fatalf("classified as %s, want AUTH_EXPIRED", kind)
	}
}
