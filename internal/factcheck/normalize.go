package factcheck

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	errNoObject    = errors.New("factcheck: no JSON object in reply")
	errInvalidJSON = errors.New("factcheck: reply is not valid JSON")
)

var fence = regexp.MustCompile("```json\\n?|\\n?```")

// Normalize converts a raw model reply into a validated [Result].
//
// Code fences are stripped and the first top-level JSON object is parsed. A
// non-boolean hasIssues or a non-array issues field means no issues. Issues
// without a non-empty issue string are dropped; a missing or unknown
// severity becomes medium. Surviving issues are numbered in order as
// <prefix>-<unix ms>-<n>. When the model does not claim issues, any listed
// issues are discarded, so HasIssues always equals len(Issues) > 0.
//
// On error the returned Result is the empty result for now.
func Normalize(kind Kind, raw string, now time.Time) (Result, error) {
	res := emptyResult(now)

	obj, ok := firstBalanced(stripFences(raw), '{', '}')
	if !ok {
		return res, errNoObject
	}
	if !gjson.Valid(obj) {
		return res, errInvalidJSON
	}
	parsed := gjson.Parse(obj)

	claimed := parsed.Get("hasIssues").Type == gjson.True
	items := parsed.Get("issues")
	if !claimed || !items.IsArray() {
		return res, nil
	}

	stamp := now.UnixMilli()
	for _, item := range items.Array() {
		desc := item.Get("issue")
		if desc.Type != gjson.String || desc.Str == "" {
			continue
		}
		res.Issues = append(res.Issues, Issue{
			ID:         fmt.Sprintf("%s-%d-%d", kind.idPrefix(), stamp, len(res.Issues)),
			Type:       kind,
			Severity:   severityOf(item.Get("severity").String()),
			Content:    item.Get("content").String(),
			Issue:      desc.Str,
			Suggestion: item.Get("suggestion").String(),
		})
	}
	res.HasIssues = len(res.Issues) > 0
	return res, nil
}

func severityOf(s string) Severity {
	switch Severity(s) {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s)
	}
	return SeverityMedium
}

func stripFences(raw string) string {
	return strings.TrimSpace(fence.ReplaceAllString(raw, ""))
}

// firstBalanced returns the first balanced open...close span of s.
// Delimiters inside JSON strings are ignored.
func firstBalanced(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
