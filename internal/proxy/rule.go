package proxy

import (
	"net/http"
	"strings"

	"github.com/iTrooz/urlcache/internal/cache/httpcache"
	"github.com/iTrooz/urlcache/internal/config"
)

// Rule interface for matching requests against caching rules
type Rule interface {
	// Match reports whether the rule applies. resp is nil before the upstream
	// has answered, in which case status codes are not checked.
	Match(requ *http.Request, resp *http.Response) bool
	// NeedsStatus reports whether the rule can only be decided once the status is known.
	NeedsStatus() bool
}

// ConfigRule implements Rule interface for config-based rules
type ConfigRule struct {
	config.CacheRule
}

// NewRules builds the rules of a configuration.
func NewRules(cfg []config.CacheRule) []Rule {
	rules := make([]Rule, 0, len(cfg))
	for _, r := range cfg {
		rules = append(rules, &ConfigRule{CacheRule: r})
	}
	return rules
}

// Match checks if a request matches this rule
func (r *ConfigRule) Match(requ *http.Request, resp *http.Response) bool {
	// Check if URL starts with base URI
	if !strings.HasPrefix(httpcache.TargetURL(requ), r.BaseURI) {
		return false
	}

	// Check if method matches
	methodMatches := false
	for _, m := range r.Methods {
		if strings.EqualFold(m, requ.Method) {
			methodMatches = true
			break
		}
	}
	if !methodMatches {
		return false
	}

	// Check if status code matches (if specified)
	if len(r.StatusCodes) > 0 && resp != nil {
		statusMatches := false
		for _, statusPattern := range r.StatusCodes {
			if config.MatchesStatusCode(resp.StatusCode, statusPattern) {
				statusMatches = true
				break
			}
		}
		if !statusMatches {
			return false
		}
	}

	return true
}

func (r *ConfigRule) NeedsStatus() bool {
	return len(r.StatusCodes) > 0
}
