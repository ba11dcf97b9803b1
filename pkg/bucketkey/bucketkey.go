// Package bucketkey classifies an inbound HTTP request into an opaque,
// hashable Key so requests sharing a Key share throttling state.
//
// Design Notes:
//   - Three strategies compose in priority order, falling through on "no
//     opinion" (nil): regex-over-query-param, regex-over-User-Agent, and a
//     default IP+User-Agent strategy that always yields a key.
//   - Regex patterns are loaded once at startup from a plain text file (one
//     pattern per line) and compiled with DOTALL so ".*" spans newlines,
//     matching the query-string shapes this classifies.
//   - Compile failures and missing files degrade to "no opinion," never a
//     fatal error — only the numeric/required config knobs are fatal.
//
// Production extensions:
//   - Hot-reload of pattern files is exposed by throttlegate, rate-limited to
//     avoid hammering the filesystem on repeated admin triggers.
package bucketkey

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// Key is the opaque, comparable bucket identifier. Two requests with equal
// Keys share a ThrottlingState.
type Key struct {
	kind  string
	value string
}

func (k Key) String() string { return k.kind + ":" + k.value }

func regexKey(pattern string) Key { return Key{kind: "regex", value: pattern} }
func ipUAKey(ip, ua string) Key   { return Key{kind: "ip-ua", value: ip + "|" + ua} }

// Strategy maps a request to a Key, or reports "no opinion" via ok=false.
type Strategy interface {
	Classify(r *http.Request) (k Key, ok bool)
}

// Chain composes strategies in priority order; the first non-nil key wins.
// The chain always yields a key — the final strategy in a properly
// constructed chain must be one that always matches (UserAgentIPBucketing).
type Chain struct {
	strategies []Strategy
}

// NewChain builds a classification chain. Order matters: earlier strategies
// take priority.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Classify runs each strategy in order, returning the first match.
func (c *Chain) Classify(r *http.Request) Key {
	for _, s := range c.strategies {
		if k, ok := s.Classify(r); ok {
			return k
		}
	}
	// Defensive fallback: an empty chain, or one missing the default
	// strategy, still must always yield a key.
	return ipUAKey(sourceIP(r), r.UserAgent())
}

// RegexBucketing matches a request field against a list of precompiled
// patterns; the bucket key is the matching pattern's source string, so all
// requests sharing a known-expensive shape share state.
type RegexBucketing struct {
	patterns []*regexp.Regexp
	extract  func(r *http.Request) string
}

// NewRegexQueryBucketing loads query-parameter patterns from path.
func NewRegexQueryBucketing(path string) *RegexBucketing {
	return &RegexBucketing{
		patterns: loadPatterns(path),
		extract:  func(r *http.Request) string { return r.URL.Query().Get("query") },
	}
}

// NewRegexUserAgentBucketing loads User-Agent patterns from path.
func NewRegexUserAgentBucketing(path string) *RegexBucketing {
	return &RegexBucketing{
		patterns: loadPatterns(path),
		extract:  func(r *http.Request) string { return r.UserAgent() },
	}
}

func (s *RegexBucketing) Classify(r *http.Request) (Key, bool) {
	if len(s.patterns) == 0 {
		return Key{}, false
	}
	field := s.extract(r)
	if field == "" {
		return Key{}, false
	}
	for _, re := range s.patterns {
		if re.MatchString(field) {
			return regexKey(re.String()), true
		}
	}
	return Key{}, false
}

// loadPatterns reads one regex per line from path, compiling each with
// DOTALL (so "." matches newlines, since the query strings this matches can
// themselves span lines). A missing file yields an empty list; a line that
// fails to compile is logged and skipped.
func loadPatterns(path string) []*regexp.Regexp {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		log.Printf("bucketkey: pattern file %q unavailable, strategy disabled: %v", path, err)
		return nil
	}
	defer f.Close()

	var patterns []*regexp.Regexp
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp.Compile("(?s)" + line)
		if err != nil {
			log.Printf("bucketkey: skipping invalid pattern %q: %v", line, err)
			continue
		}
		patterns = append(patterns, re)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("bucketkey: error reading pattern file %q: %v", path, err)
	}
	return patterns
}

// UserAgentIPBucketing is the default strategy: bucket key is the pair
// (source IP, normalized User-Agent). Always yields a key.
type UserAgentIPBucketing struct {
	caser cases.Caser
}

// NewUserAgentIPBucketing constructs the default, always-matching strategy.
func NewUserAgentIPBucketing() *UserAgentIPBucketing {
	return &UserAgentIPBucketing{caser: cases.Fold()}
}

func (s *UserAgentIPBucketing) Classify(r *http.Request) (Key, bool) {
	return ipUAKey(sourceIP(r), s.normalizeUA(r.UserAgent())), true
}

// normalizeUA folds full-width characters and case variants so near-duplicate
// User-Agent strings (the kind proxies and bots rewrite slightly) collapse
// into the same bucket instead of spawning a fresh state per variant.
func (s *UserAgentIPBucketing) normalizeUA(ua string) string {
	return s.caser.String(width.Fold.String(ua))
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
