package security

import (
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
)

// ipMatcher evaluates whitelist patterns against client IPs. Patterns may
// be exact IPs, CIDR ranges, globs with '*', or hostnames. Glob patterns
// compile once and are cached for the matcher's lifetime.
type ipMatcher struct {
	mu    sync.RWMutex
	globs map[string]*regexp.Regexp
}

func newIPMatcher() *ipMatcher {
	return &ipMatcher{globs: make(map[string]*regexp.Regexp)}
}

// Matches reports whether clientIP satisfies pattern.
func (m *ipMatcher) Matches(clientIP, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}

	// 1. Exact match
	if pattern == clientIP {
		return true
	}

	// 2. CIDR range
	if strings.Contains(pattern, "/") {
		_, ipNet, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		ip := net.ParseIP(clientIP)
		return ip != nil && ipNet.Contains(ip)
	}

	// 3. Glob with '*'
	if strings.Contains(pattern, "*") {
		re := m.compileGlob(pattern)
		return re != nil && re.MatchString(clientIP)
	}

	// 4. Hostname: forward-resolve the pattern, and reverse-resolve the
	// client IP and compare names. DNS failures are soft.
	if net.ParseIP(pattern) == nil {
		return m.matchHostname(clientIP, pattern)
	}

	return false
}

func (m *ipMatcher) compileGlob(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.globs[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.globs[pattern]; ok {
		return re
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		logger.Warn("Invalid glob pattern in whitelist", "pattern", pattern, "error", err)
		re = nil
	}
	m.globs[pattern] = re
	return re
}

func (m *ipMatcher) matchHostname(clientIP, hostname string) bool {
	addrs, err := net.LookupHost(hostname)
	if err == nil {
		for _, addr := range addrs {
			if addr == clientIP {
				return true
			}
		}
	} else {
		logger.Warn("Hostname whitelist lookup failed", "hostname", hostname, "error", err)
	}

	names, err := net.LookupAddr(clientIP)
	if err != nil {
		return false
	}
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if strings.EqualFold(name, hostname) {
			return true
		}
		if strings.Contains(hostname, "*") {
			if re := m.compileGlob(strings.ToLower(hostname)); re != nil && re.MatchString(strings.ToLower(name)) {
				return true
			}
		}
	}
	return false
}
