package wechatweb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/netutil"
)

const loginAppID = "wx782c26e4c19acffb"

var (
	uuidRe     = regexp.MustCompile(`window\.QRLogin\.uuid\s*=\s*"([^"]+)"`)
	codeRe     = regexp.MustCompile(`window\.code=(\d+);`)
	redirectRe = regexp.MustCompile(`window\.redirect_uri="([^"]+)"`)

	skeyRe       = regexp.MustCompile(`(?s)<skey><!\[CDATA\[(.*?)\]\]></skey>`)
	wxsidRe      = regexp.MustCompile(`(?s)<wxsid><!\[CDATA\[(.*?)\]\]></wxsid>`)
	wxuinRe      = regexp.MustCompile(`(?s)<wxuin><!\[CDATA\[(.*?)\]\]></wxuin>`)
	passTicketRe = regexp.MustCompile(`(?s)<pass_ticket><!\[CDATA\[(.*?)\]\]></pass_ticket>`)
)

// AuthStatus is one step of the QR login state machine.
type AuthStatus string

const (
	AuthWaiting   AuthStatus = "waiting"
	AuthScanned   AuthStatus = "scanned"
	AuthConfirmed AuthStatus = "confirmed"
	AuthExpired   AuthStatus = "expired"
	AuthFailed    AuthStatus = "failed"
)

// QRLogin is one pending QR login attempt.
type QRLogin struct {
	UUID      string
	QRURL     string
	StartedAt time.Time
}

// AuthProgress is the polled state of a QR login attempt.
type AuthProgress struct {
	Status      AuthStatus
	Code        int
	RedirectURI string
	Message     string
}

// AuthClient drives the QR login handshake. Endpoints are fields so tests
// can point the flow at a local server.
type AuthClient struct {
	BaseURL      string // entry host, default https://wx.qq.com
	LoginBaseURL string // jslogin/login host, default https://login.wx.qq.com
	HTTP         *http.Client
	Now          func() time.Time
}

// NewAuthClient builds a client with a cookie jar; the login cookies set
// during the redirect chain are what authenticate every later call.
func NewAuthClient(timeout time.Duration) *AuthClient {
	jar, err := cookiejar.New(nil)
	if err != nil {
		panic("wechatweb: failed to create cookie jar: " + err.Error())
	}
	return &AuthClient{
		BaseURL:      "https://wx.qq.com",
		LoginBaseURL: "https://login.wx.qq.com",
		HTTP:         &http.Client{Timeout: timeout, Jar: jar},
		Now:          time.Now,
	}
}

func (c *AuthClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Start requests a login UUID and returns the QR code URL the operator
// has to scan.
func (c *AuthClient) Start(ctx context.Context) (*QRLogin, error) {
	now := c.now()
	redirectURI := url.QueryEscape(strings.TrimRight(c.BaseURL, "/") + "/cgi-bin/mmwebwx-bin/webwxnewloginpage")
	target := fmt.Sprintf("%s/jslogin?appid=%s&redirect_uri=%s&fun=new&lang=zh_CN&_=%d",
		c.LoginBaseURL, loginAppID, redirectURI, now.UnixMilli())

	body, err := c.get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: jslogin: %w", err)
	}
	m := uuidRe.FindStringSubmatch(string(body))
	if m == nil {
		return nil, fmt.Errorf("wechatweb: 扫码登录初始化失败：未获取到UUID")
	}
	uuid := strings.TrimSpace(m[1])
	return &QRLogin{
		UUID:      uuid,
		QRURL:     "https://login.weixin.qq.com/qrcode/" + uuid,
		StartedAt: now,
	}, nil
}

// Poll checks whether the QR code has been scanned or confirmed. Protocol
// oddities (unparseable body, unknown codes) come back as a failed
// progress, not an error; transport problems are errors.
func (c *AuthClient) Poll(ctx context.Context, login *QRLogin) (*AuthProgress, error) {
	now := c.now()
	target := fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/login?tip=1&uuid=%s&r=%d&_=%d",
		c.LoginBaseURL, login.UUID, ^now.Unix(), now.UnixMilli())

	body, err := c.get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: login poll: %w", err)
	}
	text := string(body)
	m := codeRe.FindStringSubmatch(text)
	if m == nil {
		return &AuthProgress{Status: AuthFailed, Code: -1, Message: "无法解析扫码状态"}, nil
	}
	code, _ := strconv.Atoi(m[1])
	switch {
	case code == 408:
		return &AuthProgress{Status: AuthWaiting, Code: code, Message: "等待扫码"}, nil
	case code == 201:
		return &AuthProgress{Status: AuthScanned, Code: code, Message: "已扫码，请在手机确认登录"}, nil
	case code == 200:
		progress := &AuthProgress{Status: AuthConfirmed, Code: code, Message: "登录确认成功"}
		if rm := redirectRe.FindStringSubmatch(text); rm != nil {
			progress.RedirectURI = rm[1]
		}
		return progress, nil
	case code == 400 || code == 500 || code == 502:
		return &AuthProgress{Status: AuthExpired, Code: code, Message: "二维码已过期"}, nil
	default:
		return &AuthProgress{Status: AuthFailed, Code: code, Message: fmt.Sprintf("未知登录状态码: %d", code)}, nil
	}
}

// Finish exchanges a confirmed login for a full session: it follows the
// redirect for the credential XML, then runs webwxinit for the sync cursor
// and profile.
func (c *AuthClient) Finish(ctx context.Context, progress *AuthProgress) (*Session, error) {
	if progress == nil || progress.Status != AuthConfirmed || progress.RedirectURI == "" {
		return nil, fmt.Errorf("wechatweb: 登录未确认，无法完成会话初始化")
	}

	redirect := progress.RedirectURI
	if !strings.Contains(redirect, "fun=") {
		redirect += "&fun=new&version=v2"
	}
	body, err := c.get(ctx, redirect)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: login redirect: %w", err)
	}
	text := string(body)
	skey := cdataField(skeyRe, text)
	sid := cdataField(wxsidRe, text)
	wxuin := cdataField(wxuinRe, text)
	passTicket := cdataField(passTicketRe, text)
	if skey == "" || sid == "" || wxuin == "" || passTicket == "" {
		return nil, fmt.Errorf("wechatweb: 登录成功但会话字段不完整")
	}

	parsed, err := url.Parse(progress.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: parse redirect uri: %w", err)
	}
	baseURI := parsed.Scheme + "://" + parsed.Host

	uin, err := strconv.ParseInt(wxuin, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: parse wxuin %q: %w", wxuin, err)
	}

	now := c.now()
	deviceID := newDeviceID()
	initURL := fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/webwxinit?r=%d&lang=zh_CN&pass_ticket=%s",
		baseURI, ^now.Unix(), url.QueryEscape(passTicket))
	payload := map[string]any{
		"BaseRequest": map[string]any{
			"Uin":      uin,
			"Sid":      sid,
			"Skey":     skey,
			"DeviceID": deviceID,
		},
	}
	initBody, err := c.postJSON(ctx, initURL, payload)
	if err != nil {
		return nil, fmt.Errorf("wechatweb: webwxinit: %w", err)
	}

	var init struct {
		BaseResponse *baseResponse `json:"BaseResponse"`
		SyncKey      SyncKey       `json:"SyncKey"`
		User         struct {
			NickName string `json:"NickName"`
		} `json:"User"`
	}
	if err := decodeJSON(initBody, &init); err != nil {
		return nil, fmt.Errorf("wechatweb: decode webwxinit: %w", err)
	}
	if init.BaseResponse == nil || init.BaseResponse.Ret != 0 {
		return nil, fmt.Errorf("wechatweb: webwxinit失败: ret=%d", retOf(init.BaseResponse))
	}

	return &Session{
		BaseURI:    baseURI,
		Wxuin:      wxuin,
		SID:        sid,
		SKey:       skey,
		PassTicket: passTicket,
		DeviceID:   deviceID,
		SyncKey:    init.SyncKey,
		SyncHost:   syncHosts[0],
		Cookies:    c.jarCookies(baseURI),
		ExpiresAt:  now.Add(sessionTTL),
		Nickname:   strings.TrimSpace(init.User.NickName),
	}, nil
}

// jarCookies flattens the jar's cookies for the login host into the map
// the session persists.
func (c *AuthClient) jarCookies(baseURI string) map[string]string {
	cookies := map[string]string{}
	if c.HTTP.Jar == nil {
		return cookies
	}
	u, err := url.Parse(baseURI)
	if err != nil {
		return cookies
	}
	for _, cookie := range c.HTTP.Jar.Cookies(u) {
		cookies[cookie.Name] = cookie.Value
	}
	return cookies
}

func (c *AuthClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", netutil.BrowserUserAgent)
	return c.do(req)
}

func (c *AuthClient) postJSON(ctx context.Context, target string, payload any) ([]byte, error) {
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
	return c.do(req)
}

func (c *AuthClient) do(req *http.Request) ([]byte, error) {
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

func cdataField(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func retOf(br *baseResponse) int {
	if br == nil {
		return -1
	}
	return br.Ret
}
