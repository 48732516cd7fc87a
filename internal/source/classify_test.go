package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"testing"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
)

func TestClassifyError_StatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantKind model.ErrorKind
	}{
		{"unauthorized", 401, model.ErrKindBlocked},
		{"forbidden", 403, model.ErrKindBlocked},
		{"not found", 404, model.ErrKindNotFound},
		{"other 4xx", 429, model.ErrKindHTTP4xx},
		{"server error", 500, model.ErrKindHTTP5xx},
		{"bad gateway", 502, model.ErrKindHTTP5xx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &netutil.HTTPStatusError{StatusCode: tt.code, URL: "https://example.com/feed.xml"}
			kind, code, message := ClassifyError(err)
			if kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", kind, tt.wantKind)
			}
			if code != tt.code {
				t.Fatalf("code = %d, want %d", code, tt.code)
			}
			if message == "" {
				t.Fatal("message should carry the error text")
			}
		})
	}
}

func TestClassifyError_Timeout(t *testing.T) {
	kind, _, _ := ClassifyError(context.DeadlineExceeded)
	if kind != model.ErrKindTimeout {
		t.Fatalf("kind = %s, want TIMEOUT", kind)
	}

	// Wrapped deadline errors classify the same way.
	wrapped := fmt.Errorf("download https://example.com: %w", context.DeadlineExceeded)
	kind, _, _ = ClassifyError(wrapped)
	if kind != model.ErrKindTimeout {
		t.Fatalf("wrapped kind = %s, want TIMEOUT", kind)
	}
}

func TestClassifyError_NetworkAndUnknown(t *testing.T) {
	urlErr := &url.Error{Op: "Get", URL: "https://example.com", Err: errors.New("connection refused")}
	kind, _, _ := ClassifyError(urlErr)
	if kind != model.ErrKindNetwork {
		t.Fatalf("url.Error kind = %s, want NETWORK", kind)
	}

	kind, _, message := ClassifyError(errors.New("boom"))
	if kind != model.ErrKindUnknown {
		t.Fatalf("plain error kind = %s, want UNKNOWN", kind)
	}
	if message != "boom" {
		t.Fatalf("message = %q, want boom", message)
	}

	kind, _, message = ClassifyError(nil)
	if kind != model.ErrKindUnknown || message != "未知错误" {
		t.Fatalf("nil error = (%s, %q), want (UNKNOWN, 未知错误)", kind, message)
	}
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantKind model.ErrorKind
		wantCode int
	}{
		{"empty", "", model.ErrKindUnknown, 0},
		{"timeout", "request timed out after 10s", model.ErrKindTimeout, 0},
		{"forbidden", "HTTP 403 Forbidden", model.ErrKindBlocked, 403},
		{"not found", "feed not found", model.ErrKindNotFound, 404},
		{"server error", "http 502 from upstream", model.ErrKindHTTP5xx, 0},
		{"parse empty", "源可访问但未解析到文章", model.ErrKindParseEmpty, 0},
		{"unclassified", "something odd happened", model.ErrKindUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, code, _ := ClassifyMessage(tt.message)
			if kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", kind, tt.wantKind)
			}
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AI·前沿（官方）", "ai前沿官方"},
		{"  Tech_Daily  ", "techdaily"},
		{"ＡＢＣ１２３", "abc123"},
		{"机器之心", "机器之心"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeName(tt.in); got != tt.want {
			t.Errorf("normalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestASCIITokens(t *testing.T) {
	got := asciiTokens("机器之心 almosthuman2014")
	want := []string{"almosthuman2014"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}

	// Runs shorter than three characters do not count as tokens.
	if got := asciiTokens("AI前沿"); got != nil {
		t.Fatalf("short run should yield no tokens, got %v", got)
	}
}
