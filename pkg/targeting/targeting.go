// Package targeting parses and builds the credential strings clients use to
// express routing constraints:
//
//	key[-country-XX][-city-YY][-session-ID][-rotate-N]
//
// The same string is carried as the proxy-auth password (USERNAME:APIKEY...).
package targeting

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedCredential is returned for any credential that does not follow the grammar.
var ErrMalformedCredential = errors.New("malformed credential")

const (
	delimiter = "-"

	keyCountry = "country"
	keyCity    = "city"
	keySession = "session"
	keyRotate  = "rotate"
)

// Directive is a parsed targeting directive. Empty fields mean "no constraint".
type Directive struct {
	APIKey  string
	Country string // ISO 3166-1 alpha-2, upper case
	City    string // lower case, spaces allowed
	Session string
	Rotate  int // rebind the session every N requests, 0 disables
}

// HasLocation reports whether the directive constrains country or city.
func (d Directive) HasLocation() bool {
	return d.Country != "" || d.City != ""
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedCredential, fmt.Sprintf(format, args...))
}

// Parse decodes a credential string. Keywords are case-insensitive and may appear
// in any order; each may appear at most once. Unknown segments are rejected.
func Parse(credential string) (Directive, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Directive{}, malformed("empty credential")
	}

	parts := strings.Split(credential, delimiter)
	d := Directive{APIKey: parts[0]}
	if d.APIKey == "" {
		return Directive{}, malformed("empty api key")
	}

	rest := parts[1:]
	if len(rest)%2 != 0 {
		return Directive{}, malformed("dangling segment %q", rest[len(rest)-1])
	}

	seen := make(map[string]bool, 4)
	for i := 0; i < len(rest); i += 2 {
		keyword := strings.ToLower(rest[i])
		value := rest[i+1]
		if value == "" {
			return Directive{}, malformed("empty value for %q", keyword)
		}
		if seen[keyword] {
			return Directive{}, malformed("duplicate segment %q", keyword)
		}
		seen[keyword] = true

		switch keyword {
		case keyCountry:
			if len(value) != 2 || !isAlpha(value) {
				return Directive{}, malformed("invalid country %q", value)
			}
			d.Country = strings.ToUpper(value)
		case keyCity:
			if !isToken(value) {
				return Directive{}, malformed("invalid city %q", value)
			}
			d.City = strings.ToLower(strings.ReplaceAll(value, "_", " "))
		case keySession:
			if !isToken(value) {
				return Directive{}, malformed("invalid session %q", value)
			}
			d.Session = value
		case keyRotate:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return Directive{}, malformed("invalid rotate %q", value)
			}
			d.Rotate = n
		default:
			return Directive{}, malformed("unknown segment %q", rest[i])
		}
	}
	return d, nil
}

// Encode builds the canonical credential string: country, city, session, rotate.
func Encode(d Directive) string {
	var b strings.Builder
	b.WriteString(d.APIKey)
	if d.Country != "" {
		b.WriteString(delimiter + keyCountry + delimiter + strings.ToUpper(d.Country))
	}
	if d.City != "" {
		city := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(d.City), " ", "_"))
		b.WriteString(delimiter + keyCity + delimiter + city)
	}
	if d.Session != "" {
		b.WriteString(delimiter + keySession + delimiter + d.Session)
	}
	if d.Rotate > 0 {
		b.WriteString(delimiter + keyRotate + delimiter + strconv.Itoa(d.Rotate))
	}
	return b.String()
}

// FromUserPassword extracts the directive from proxy credentials. The password
// carries the directive; the username is free text. Older clients put the whole
// directive in the username and leave the password empty.
func FromUserPassword(username, password string) (Directive, error) {
	if password != "" {
		return Parse(password)
	}
	return Parse(username)
}

// ParseProxyAuthorization decodes a "Basic" Proxy-Authorization header value.
func ParseProxyAuthorization(header string) (username, password string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", malformed("missing proxy authorization")
	}
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "basic") {
		return "", "", malformed("unsupported proxy authorization scheme")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", malformed("invalid base64 in proxy authorization")
	}
	username, password, ok = strings.Cut(string(raw), ":")
	if !ok {
		return "", "", malformed("proxy authorization without password")
	}
	return username, password, nil
}

// BasicAuth builds a "Basic" Proxy-Authorization header value.
func BasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func isToken(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return s != ""
}
