// Package account validates the company input of an analysis request and
// derives the display identity shown for it.
package account

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// Rejection reasons returned in Result.Reason.
const (
	ReasonRequired    = "URL required."
	ReasonUnparseable = "That does not look like a valid URL, e.g. https://company.com"
	ReasonScheme      = "Only http and https URLs are allowed."
	ReasonDomain      = "The URL must include a valid domain, e.g. company.com"
	ReasonWhitespace  = "The URL cannot contain spaces."
)

var schemePrefix = regexp.MustCompile(`(?i)^https?://`)

// Result is the outcome of ValidateURL. OK implies Normalized is set, !OK
// implies Reason is set.
type Result struct {
	OK         bool   `json:"ok"`
	Normalized string `json:"normalized,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func reject(reason string) Result { return Result{Reason: reason} }

// ValidateURL turns free text into a canonical absolute http(s) URL.
// A bare domain gets https:// prepended, so "empresa.com" becomes
// "https://empresa.com/".
func ValidateURL(raw string) Result {
	v := strings.TrimSpace(raw)
	if v == "" {
		return reject(ReasonRequired)
	}

	withScheme := v
	if !schemePrefix.MatchString(v) {
		withScheme = "https://" + v
	}

	u, err := url.Parse(withScheme)
	if err != nil {
		return reject(ReasonUnparseable)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return reject(ReasonScheme)
	}

	host := u.Hostname()
	if !strings.Contains(host, ".") || strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return reject(ReasonDomain)
	}

	// Checked on the trimmed input: prepending a scheme can hide spaces
	// that url.Parse tolerates in the path.
	if strings.IndexFunc(v, unicode.IsSpace) >= 0 {
		return reject(ReasonWhitespace)
	}

	u.Host = strings.ToLower(u.Host)
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return Result{OK: true, Normalized: u.String()}
}
