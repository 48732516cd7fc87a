package source

import (
	"context"
	"errors"
	"math"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/width"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
)

// ClassifyError maps a transport error onto the attempt taxonomy. Returns
// the kind, the HTTP status when one is known, and the message to store.
func ClassifyError(err error) (model.ErrorKind, int, string) {
	if err == nil {
		return model.ErrKindUnknown, 0, "未知错误"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrKindTimeout, 0, err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrKindTimeout, 0, err.Error()
	}

	var statusErr *netutil.HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		switch {
		case code == 401 || code == 403:
			return model.ErrKindBlocked, code, err.Error()
		case code == 404:
			return model.ErrKindNotFound, code, err.Error()
		case code >= 400 && code < 500:
			return model.ErrKindHTTP4xx, code, err.Error()
		case code >= 500 && code < 600:
			return model.ErrKindHTTP5xx, code, err.Error()
		default:
			return model.ErrKindUnknown, code, err.Error()
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return model.ErrKindNetwork, 0, err.Error()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return model.ErrKindNetwork, 0, err.Error()
	}

	return model.ErrKindUnknown, 0, err.Error()
}

// ClassifyMessage applies text heuristics for failures that arrive as bare
// strings (probe messages, provider-internal errors).
func ClassifyMessage(message string) (model.ErrorKind, int, string) {
	text := strings.TrimSpace(message)
	if text == "" {
		return model.ErrKindUnknown, 0, "未知错误"
	}

	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "timeout") || strings.Contains(lowered, "timed out"):
		return model.ErrKindTimeout, 0, text
	case strings.Contains(lowered, "403") || strings.Contains(lowered, "forbidden"):
		return model.ErrKindBlocked, 403, text
	case strings.Contains(lowered, "404") || strings.Contains(lowered, "not found"):
		return model.ErrKindNotFound, 404, text
	case strings.Contains(lowered, "5") && strings.Contains(lowered, "http"):
		return model.ErrKindHTTP5xx, 0, text
	case strings.Contains(text, "未解析到文章") || strings.Contains(lowered, "parse"):
		return model.ErrKindParseEmpty, 0, text
	}
	return model.ErrKindUnknown, 0, text
}

var (
	nameStripRe  = regexp.MustCompile(`[^0-9a-z\x{4e00}-\x{9fff}]`)
	asciiTokenRe = regexp.MustCompile(`[a-z0-9]{3,}`)
)

// normalizeName folds full-width forms to ASCII, lowers, and keeps only
// digits, latin letters and CJK ideographs. "AI·前沿（官方）" and
// "ai前沿官方" compare equal after normalization.
func normalizeName(value string) string {
	folded := width.Fold.String(value)
	lowered := strings.ToLower(strings.TrimSpace(folded))
	return nameStripRe.ReplaceAllString(lowered, "")
}

// asciiTokens extracts the latin/digit runs (length >= 3) from a normalized
// name. Used as a conjunctive pre-filter against directory entries.
func asciiTokens(value string) []string {
	normalized := normalizeName(value)
	if normalized == "" {
		return nil
	}
	return asciiTokenRe.FindAllString(normalized, -1)
}

func clamp(value, low, high float64) float64 {
	return math.Min(high, math.Max(low, value))
}
