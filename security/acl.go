package security

import "strings"

func tokenize(filter string) []string {
	return strings.Split(filter, "/")
}

func isHash(level string) bool { return level == "#" }
func isPlus(level string) bool { return level == "+" }

// AuthorizePublish returns the effective allow/deny decision for
// username publishing to the literal topic, as the rule with the
// highest RuleNr among those whose TopicFilter matches topic and whose
// PubUsers includes username or one of its groups. Deny is the default
// when no rule matches.
func (c *Config) AuthorizePublish(topic, username string) RuleType {
	members := c.membership(username)
	result := RuleDeny
	bestRuleNr := -1
	for _, rule := range c.Rules {
		if rule.PubType == RuleNone {
			continue
		}
		if !matchesFilter(tokenize(rule.TopicFilter), tokenize(topic)) {
			continue
		}
		matched := false
		for u := range rule.PubUsers {
			if _, ok := members[u]; ok {
				matched = true
				break
			}
		}
		if matched && rule.RuleNr >= bestRuleNr {
			bestRuleNr = rule.RuleNr
			result = rule.PubType
		}
	}
	return result
}

// matchesFilter reports whether a topic-filter token sequence matches a
// literal topic-name token sequence, honoring "+"/"#" wildcards and the
// "$"-prefixed-topic exclusion from root-level wildcards.
func matchesFilter(filterTokens, topicTokens []string) bool {
	if len(topicTokens) > 0 && strings.HasPrefix(topicTokens[0], "$") {
		if len(filterTokens) > 0 && (isPlus(filterTokens[0]) || isHash(filterTokens[0])) {
			return false
		}
	}
	i := 0
	for i < len(filterTokens) {
		f := filterTokens[i]
		if isHash(f) {
			return true
		}
		if i >= len(topicTokens) {
			return false
		}
		if !isPlus(f) && f != topicTokens[i] {
			return false
		}
		i++
	}
	return i == len(topicTokens)
}

// AuthorizeSubscribe reports whether username may subscribe to
// topicFilter at all: true iff at least one narrowed, allowed filter
// remains after applying every matching deny rule.
func (c *Config) AuthorizeSubscribe(username, topicFilter string) bool {
	return len(c.AuthorizedSubscribeFilters(username, topicFilter)) > 0
}

// AuthorizedSubscribeFilters computes the set of filters username is
// actually allowed to receive messages on, given a requested
// topicFilter: each matching "allow" rule contributes the intersection
// of its own filter with the requested one (so a broader allow rule is
// narrowed to what was actually requested), and each matching "deny"
// rule removes any previously accumulated filter it covers. Rules are
// applied in ascending RuleNr order, matching the broker's "higher rule
// number overrides" precedence.
func (c *Config) AuthorizedSubscribeFilters(username, topicFilter string) []string {
	members := c.membership(username)
	requested := tokenize(topicFilter)

	var allowed []string
	for _, rule := range c.Rules {
		if rule.SubType == RuleNone {
			continue
		}
		matched := false
		for u := range rule.SubUsers {
			if _, ok := members[u]; ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		ruleTokens := tokenize(rule.TopicFilter)
		switch rule.SubType {
		case RuleAllow:
			if narrowed, ok := intersectFilters(ruleTokens, requested); ok {
				allowed = append(allowed, narrowed)
			}
		case RuleDeny:
			kept := allowed[:0]
			for _, a := range allowed {
				if !filterDenies(ruleTokens, tokenize(a)) {
					kept = append(kept, a)
				}
			}
			allowed = kept
		}
	}
	return allowed
}

// intersectFilters computes the most specific filter that is covered by
// both authTokens (a configured authorization filter) and subTokens (the
// filter the client actually requested), token by token. It fails if the
// two filters have no overlap at all.
func intersectFilters(authTokens, subTokens []string) (string, bool) {
	var result []string
	ai := 0
	for si := 0; si < len(subTokens); si++ {
		if ai >= len(authTokens) {
			return "", false
		}
		auth := authTokens[ai]
		sub := subTokens[si]

		if isHash(auth) {
			result = append(result, subTokens[si:]...)
			return strings.Join(result, "/"), true
		}
		if isHash(sub) {
			result = append(result, auth)
			result = append(result, authTokens[ai+1:]...)
			return strings.Join(result, "/"), true
		}
		switch {
		case isPlus(auth):
			result = append(result, sub)
		case isPlus(sub):
			result = append(result, auth)
		default:
			if auth != sub {
				return "", false
			}
			result = append(result, auth)
		}
		ai++
	}
	if ai < len(authTokens) {
		return "", false
	}
	return strings.Join(result, "/"), true
}

// filterDenies reports whether denyTokens (a deny rule's filter) covers
// candidateTokens (an already-narrowed allowed filter) entirely: every
// token must match (accounting for "+"/"#" in the deny filter) and the
// two token sequences must be the same length, unless the deny filter
// ends in "#" early.
func filterDenies(denyTokens, candidateTokens []string) bool {
	di := 0
	for ci := 0; ci < len(candidateTokens); ci++ {
		if di >= len(denyTokens) {
			return false
		}
		deny := denyTokens[di]
		cand := candidateTokens[ci]
		if deny != cand {
			if isHash(deny) {
				return true
			}
			if isHash(cand) {
				return false
			}
			if isPlus(deny) {
				di++
				continue
			}
			return false
		}
		di++
	}
	return di == len(denyTokens)
}
