package migrator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// golang-migrate folds the full connection URL into its error strings, so
// any failure out of New can leak a password into logs. redactConnError
// scrubs the URL and every credential form we can derive from it before
// the error escapes this package.
func redactConnError(err error, dbURL string) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	// The whole URL embedded in the message is the worst case. Reduce it
	// to scheme and host before looking for loose credentials.
	if dbURL != "" && strings.Contains(msg, dbURL) {
		msg = strings.ReplaceAll(msg, dbURL, opaqueURL(dbURL))
	}

	return fmt.Errorf("migrate.NewWithSourceInstance: %s", scrubCredentials(msg, dbURL))
}

// opaqueURL keeps only the scheme and host of a connection URL.
func opaqueURL(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil || u == nil || u.Host == "" {
		return "[DATABASE_URL_REDACTED]"
	}
	return fmt.Sprintf("%s://[REDACTED]@%s/[REDACTED]", u.Scheme, u.Host)
}

// scrubCredentials removes credentials derived from dbURL wherever they
// appear in msg: the URL itself, the raw password, the user:password
// pair, the userinfo segment, and the query-escaped password.
func scrubCredentials(msg, dbURL string) string {
	if dbURL == "" {
		return msg
	}

	u, err := url.Parse(dbURL)
	if err != nil || u == nil || u.Scheme == "" || u.User == nil {
		// The URL did not parse, which is itself a common error path.
		// Pull the userinfo out by position and fall back to pattern
		// matching for anything that slips through.
		return scrubPatterns(scrubRawUserInfo(msg, dbURL))
	}

	out := msg
	if strings.Contains(out, dbURL) {
		out = strings.ReplaceAll(out, dbURL, safeDisplayURL(u))
	}

	if pass, ok := u.User.Password(); ok && pass != "" {
		out = strings.ReplaceAll(out, pass, "[REDACTED]")
		if user := u.User.Username(); user != "" {
			out = strings.ReplaceAll(out, user+":"+pass, user+":[REDACTED]")
		}
		if encoded := url.QueryEscape(pass); encoded != pass {
			out = strings.ReplaceAll(out, encoded, "[REDACTED]")
		}
	}

	if info := u.User.String(); info != "" && strings.Contains(out, info) {
		safe := u.User.Username()
		if safe != "" {
			safe += ":[REDACTED]"
		}
		out = strings.ReplaceAll(out, info, safe)
	}

	return out
}

// safeDisplayURL renders a URL with its password blanked but host, path
// and query intact. Built by hand so [REDACTED] does not get escaped.
func safeDisplayURL(u *url.URL) string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != nil && u.User.Username() != "" {
		b.WriteString(u.User.Username())
		b.WriteString(":[REDACTED]@")
	}
	b.WriteString(u.Host)
	b.WriteString(u.Path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// scrubRawUserInfo extracts user:password from an unparseable URL by
// string position and removes both forms from msg.
func scrubRawUserInfo(msg, dbURL string) string {
	idx := strings.Index(dbURL, "://")
	if idx < 0 {
		return msg
	}
	rest := dbURL[idx+3:]

	at := strings.Index(rest, "@")
	if at < 0 {
		return msg
	}
	info := rest[:at]

	colon := strings.Index(info, ":")
	if colon < 0 {
		return msg
	}
	user, pass := info[:colon], info[colon+1:]
	if pass != "" {
		msg = strings.ReplaceAll(msg, pass, "[REDACTED]")
	}
	return strings.ReplaceAll(msg, info, user+":[REDACTED]")
}

var credentialPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(\b\w+):([^@\s]+)@`), "$1:[REDACTED]@"},
	{regexp.MustCompile(`password=([^&\s]+)`), "password=[REDACTED]"},
	{regexp.MustCompile(`"password":\s*"[^"]*"`), `"password":"[REDACTED]"`},
	{regexp.MustCompile(`'password':\s*'[^']*'`), `'password':'[REDACTED]'`},
	{regexp.MustCompile(`://([^:]+):([^@]+)@`), "://$1:[REDACTED]@"},
}

func scrubPatterns(msg string) string {
	for _, p := range credentialPatterns {
		msg = p.re.ReplaceAllString(msg, p.repl)
	}
	return msg
}

// HostPort reports the host and port of a database URL for log fields.
// Credentials never appear in the result. Parts that cannot be derived
// come back as "unknown".
func HostPort(dbURL string) (host, port string) {
	u, err := url.Parse(dbURL)
	if err != nil || u == nil {
		return "unknown", "unknown"
	}

	host = u.Hostname()
	if host == "" {
		host = "unknown"
	}

	port = u.Port()
	if port == "" {
		switch u.Scheme {
		case "postgres", "postgresql":
			port = "5432"
		default:
			port = "unknown"
		}
	}

	return host, port
}
