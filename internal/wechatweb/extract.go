package wechatweb

import (
	"html"
	"regexp"
	"strings"
	"time"
)

var (
	articleURLRe = regexp.MustCompile(`(?i)https?://mp\.weixin\.qq\.com/s\?[^\s"'<>]+`)
	cdataURLRe   = regexp.MustCompile(`(?is)<url><!\[CDATA\[(.*?)\]\]></url>`)
	cdataTitleRe = regexp.MustCompile(`(?is)<title><!\[CDATA\[(.*?)\]\]></title>`)
)

// ExtractedRef is one article link pulled out of an inbox message.
type ExtractedRef struct {
	URL             string
	TitleHint       string
	PublishedHintNs int64
	FromUserName    string
	MsgID           string
}

type refKey struct {
	msgID string
	url   string
}

// ExtractRefs scans a sync batch for article links pushed by channel senders.
// official holds the user names confirmed as channels via the contact list;
// senders with the gh_ prefix pass regardless. Messages whose CreateTime is
// missing fall back to now. The second return value counts kept messages,
// including ones that carried no link.
func ExtractRefs(messages []Message, official map[string]bool, now time.Time) ([]ExtractedRef, int) {
	var refs []ExtractedRef
	kept := 0
	seen := make(map[refKey]bool)

	for _, msg := range messages {
		if msg.MsgID == "" {
			continue
		}
		if !strings.HasPrefix(msg.FromUserName, "gh_") && !official[msg.FromUserName] {
			continue
		}
		kept++
		if msg.MsgType != 1 && msg.MsgType != 49 {
			continue
		}

		content := html.UnescapeString(msg.Content)
		msgTime := now.UTC()
		if msg.CreateTime > 0 {
			msgTime = time.Unix(msg.CreateTime, 0).UTC()
		}

		var titleHint string
		if m := cdataTitleRe.FindStringSubmatch(content); m != nil {
			titleHint = strings.TrimSpace(m[1])
		} else {
			titleHint = strings.TrimSpace(msg.FileName)
		}

		var urls []string
		for _, u := range articleURLRe.FindAllString(content, -1) {
			urls = append(urls, unescapeAmp(u))
		}
		for _, m := range cdataURLRe.FindAllStringSubmatch(content, -1) {
			candidate := strings.TrimSpace(html.UnescapeString(m[1]))
			if candidate == "" {
				continue
			}
			urls = append(urls, unescapeAmp(candidate))
		}

		for _, u := range urls {
			key := refKey{msgID: msg.MsgID, url: u}
			if seen[key] {
				continue
			}
			seen[key] = true
			refs = append(refs, ExtractedRef{
				URL:             u,
				TitleHint:       titleHint,
				PublishedHintNs: msgTime.UnixNano(),
				FromUserName:    msg.FromUserName,
				MsgID:           msg.MsgID,
			})
		}
	}
	return refs, kept
}

func unescapeAmp(s string) string {
	s = strings.ReplaceAll(s, "&amp;", "&")
	return strings.ReplaceAll(s, "&#38;", "&")
}
