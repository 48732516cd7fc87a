package wechatweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/netutil"
)

var synccheckRe = regexp.MustCompile(`window\.synccheck=\{retcode:"(\d+)",selector:"(\d+)"\}`)

type baseResponse struct {
	Ret    int    `json:"Ret"`
	ErrMsg string `json:"ErrMsg"`
}

// Contact is an official-account sender visible on the logged-in account.
type Contact struct {
	UserName   string `json:"UserName"`
	NickName   string `json:"NickName"`
	VerifyFlag int    `json:"VerifyFlag"`
}

// Message is one raw inbound message from webwxsync.
type Message struct {
	MsgID        string `json:"MsgId"`
	FromUserName string `json:"FromUserName"`
	MsgType      int    `json:"MsgType"`
	AppMsgType   int    `json:"AppMsgType"`
	Content      string `json:"Content"`
	FileName     string `json:"FileName"`
	CreateTime   int64  `json:"CreateTime"`
}

// SyncBatch is the outcome of one synccheck+webwxsync round.
type SyncBatch struct {
	Retcode  string
	Selector string
	Messages []Message
	SyncKey  SyncKey
	SyncHost string
}

// SyncClient pulls incremental message batches for an authenticated
// session. Hosts is overridable for tests; empty means the production
// webpush hosts.
type SyncClient struct {
	HTTP  *http.Client
	Hosts []string
	Now   func() time.Time
}

// NewSyncClient builds a sync client with the production host list.
func NewSyncClient(timeout time.Duration) *SyncClient {
	return &SyncClient{
		HTTP: &http.Client{Timeout: timeout},
		Now:  time.Now,
	}
}

func (c *SyncClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *SyncClient) hostList() []string {
	if len(c.Hosts) > 0 {
		return c.Hosts
	}
	return syncHosts
}

// RefreshContacts lists the official-account senders on the account.
// Ordinary contacts are dropped; anything with a gh_ username or a verify
// flag is kept.
func (c *SyncClient) RefreshContacts(ctx context.Context, sess *Session) ([]Contact, error) {
	target := fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/webwxgetcontact?lang=zh_CN&pass_ticket=%s&skey=%s&r=%d&seq=0",
		sess.BaseURI, url.QueryEscape(sess.PassTicket), url.QueryEscape(sess.SKey), c.now().Unix())
	body, err := c.get(ctx, target, sess.Cookies)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: webwxgetcontact: %w", err)
	}

	var payload struct {
		BaseResponse *baseResponse `json:"BaseResponse"`
		MemberList   []Contact     `json:"MemberList"`
	}
	if err := decodeJSON(body, &payload); err != nil {
		return nil, fmt.Errorf("wechatweb: decode webwxgetcontact: %w", err)
	}
	if payload.BaseResponse == nil || payload.BaseResponse.Ret != 0 {
		return nil, fmt.Errorf("wechatweb: webwxgetcontact失败: ret=%d", retOf(payload.BaseResponse))
	}

	var result []Contact
	for _, item := range payload.MemberList {
		if !strings.HasPrefix(item.UserName, "gh_") && item.VerifyFlag <= 0 {
			continue
		}
		nick := strings.TrimSpace(item.NickName)
		if nick == "" {
			nick = item.UserName
		}
		result = append(result, Contact{UserName: item.UserName, NickName: nick, VerifyFlag: item.VerifyFlag})
	}
	return result, nil
}

// Sync runs one synccheck and, when the server has news, one webwxsync.
// The session's cursor and preferred host are advanced in place; the
// caller persists the mutated session.
func (c *SyncClient) Sync(ctx context.Context, sess *Session) (*SyncBatch, error) {
	retcode, selector, host, err := c.synccheck(ctx, sess)
	if err != nil {
		return nil, err
	}
	if retcode != "0" {
		if retcode == "1100" || retcode == "1101" {
			return nil, fmt.Errorf("wechatweb: AUTH_REQUIRED: 微信登录态失效")
		}
		return nil, fmt.Errorf("wechatweb: SYNC_RET_ERROR: retcode=%s", retcode)
	}
	if selector == "0" {
		sess.SyncHost = host
		return &SyncBatch{Retcode: retcode, Selector: selector, SyncKey: sess.SyncKey, SyncHost: host}, nil
	}

	uin, err := strconv.ParseInt(sess.Wxuin, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: parse wxuin %q: %w", sess.Wxuin, err)
	}
	target := fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/webwxsync?sid=%s&skey=%s&lang=zh_CN&pass_ticket=%s",
		sess.BaseURI, url.QueryEscape(sess.SID), url.QueryEscape(sess.SKey), url.QueryEscape(sess.PassTicket))
	payload := map[string]any{
		"BaseRequest": map[string]any{
			"Uin":      uin,
			"Sid":      sess.SID,
			"Skey":     sess.SKey,
			"DeviceID": sess.DeviceID,
		},
		"SyncKey": sess.SyncKey,
		"rr":      ^c.now().Unix(),
	}
	body, err := c.postJSON(ctx, target, payload, sess.Cookies)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: webwxsync: %w", err)
	}

	var resp struct {
		BaseResponse *baseResponse `json:"BaseResponse"`
		SyncKey      *SyncKey      `json:"SyncKey"`
		AddMsgList   []Message     `json:"AddMsgList"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("wechatweb: decode webwxsync: %w", err)
	}
	if resp.BaseResponse == nil || resp.BaseResponse.Ret != 0 {
		return nil, fmt.Errorf("wechatweb: SYNC_RET_ERROR: webwxsync ret=%d", retOf(resp.BaseResponse))
	}

	syncKey := sess.SyncKey
	if resp.SyncKey != nil && len(resp.SyncKey.List) > 0 {
		syncKey = *resp.SyncKey
	}
	sess.SyncKey = syncKey
	sess.SyncHost = host
	return &SyncBatch{
		Retcode:  retcode,
		Selector: selector,
		Messages: resp.AddMsgList,
		SyncKey:  syncKey,
		SyncHost: host,
	}, nil
}

// synccheck probes the push hosts, starting with the session's last good
// one, until one answers with a parseable status.
func (c *SyncClient) synccheck(ctx context.Context, sess *Session) (retcode, selector, host string, err error) {
	hosts := []string{sess.SyncHost}
	for _, h := range c.hostList() {
		if h != sess.SyncHost {
			hosts = append(hosts, h)
		}
	}

	now := c.now().UnixMilli()
	for _, h := range hosts {
		target := fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/synccheck?r=%d&skey=%s&sid=%s&uin=%s&deviceid=%s&synckey=%s&_=%d",
			hostURL(h), now, url.QueryEscape(sess.SKey), url.QueryEscape(sess.SID), url.QueryEscape(sess.Wxuin),
			url.QueryEscape(sess.DeviceID), url.QueryEscape(sess.SyncKey.String()), now)
		body, err := c.get(ctx, target, sess.Cookies)
		if err != nil {
			continue
		}
		m := synccheckRe.FindStringSubmatch(string(body))
		if m == nil {
			continue
		}
		return m[1], m[2], h, nil
	}
	return "", "", "", fmt.Errorf("wechatweb: SYNC_RET_ERROR: synccheck不可用")
}

func (c *SyncClient) get(ctx context.Context, target string, cookies map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", netutil.BrowserUserAgent)
	applyCookies(req, cookies)
	return c.do(req)
}

func (c *SyncClient) postJSON(ctx context.Context, target string, payload any, cookies map[string]string) ([]byte, error) {
	body, err := encodeJSON(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", netutil.BrowserUserAgent)
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	applyCookies(req, cookies)
	return c.do(req)
}

func (c *SyncClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &netutil.HTTPStatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	return io.ReadAll(resp.Body)
}

// hostURL accepts both bare production hosts and full test-server URLs.
func hostURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// applyCookies sets the session cookies in a stable order.
func applyCookies(req *http.Request, cookies map[string]string) {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AddCookie(&http.Cookie{Name: name, Value: cookies[name]})
	}
}

func encodeJSON(payload any) (io.Reader, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
