package account

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

// Palette is the fixed set of avatar colour tokens.
var Palette = []string{
	"bg-black",
	"bg-red-600",
	"bg-blue-600",
	"bg-orange-600",
	"bg-emerald-600",
	"bg-purple-600",
	"bg-sky-600",
	"bg-pink-600",
}

// Identity is what a conversation shows for the account it analyses.
type Identity struct {
	CompanyName   string `json:"company_name"`
	Domain        string `json:"domain,omitempty"`
	AvatarInitial string `json:"avatar_initial"`
	AvatarColor   string `json:"avatar_color"`
}

var separators = regexp.MustCompile(`[-_]+`)

// DeriveFromURL derives the company name and domain from a URL produced by
// ValidateURL. Avatar fields are filled from them.
func DeriveFromURL(normalized string) (Identity, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing %q: %w", normalized, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Identity{}, fmt.Errorf("no host in %q", normalized)
	}
	if strings.HasPrefix(host, "www.") {
		host = host[len("www."):]
	}

	first, _, _ := strings.Cut(host, ".")
	if first == "" {
		first = host
	}

	return IdentityFor(titleWords(separators.ReplaceAllString(first, " ")), host), nil
}

// IdentityFor builds an identity from a display name and an optional domain.
// The colour is seeded by the domain, or by the name when there is none.
func IdentityFor(name, domain string) Identity {
	seed := domain
	if seed == "" {
		seed = name
	}
	return Identity{
		CompanyName:   name,
		Domain:        domain,
		AvatarInitial: AvatarInitial(name),
		AvatarColor:   DeriveColor(seed),
	}
}

// DeriveColor maps seed to a palette token with a 31-multiplier rolling hash
// over its UTF-16 code units, so browser and CLI agree on the colour.
func DeriveColor(seed string) string {
	var hash uint32
	for _, cu := range utf16.Encode([]rune(seed)) {
		hash = hash*31 + uint32(cu)
	}
	return Palette[hash%uint32(len(Palette))]
}

// AvatarInitial is the first character of name uppercased, or "?".
func AvatarInitial(name string) string {
	name = strings.TrimSpace(name)
	r, _ := utf8.DecodeRuneInString(name)
	if name == "" || r == utf8.RuneError {
		return "?"
	}
	return string(unicode.ToUpper(r))
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
