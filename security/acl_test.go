package security

import "testing"

func TestAuthorizePublishHighestRuleWins(t *testing.T) {
	c := NewConfig()
	c.Rules = []*Rule{
		{TopicFilter: "#", RuleNr: 1, PubType: RuleAllow, PubUsers: map[string]struct{}{AnyGroupName: {}}},
		{TopicFilter: "private/#", RuleNr: 2, PubType: RuleDeny, PubUsers: map[string]struct{}{AnyGroupName: {}}},
	}
	if got := c.AuthorizePublish("public/news", "alice"); got != RuleAllow {
		t.Fatalf("expected allow for public/news, got %v", got)
	}
	if got := c.AuthorizePublish("private/secret", "alice"); got != RuleDeny {
		t.Fatalf("expected deny for private/secret (higher rule_nr wins), got %v", got)
	}
}

func TestAuthorizeSubscribeNarrowing(t *testing.T) {
	c := NewConfig()
	c.Rules = []*Rule{
		{TopicFilter: "sport/#", RuleNr: 1, SubType: RuleAllow, SubUsers: map[string]struct{}{AnyGroupName: {}}},
	}
	filters := c.AuthorizedSubscribeFilters("alice", "sport/tennis/+")
	if len(filters) != 1 || filters[0] != "sport/tennis/+" {
		t.Fatalf("expected narrowed filter sport/tennis/+, got %v", filters)
	}
}

func TestAuthorizeSubscribeDenySubtractsIntersection(t *testing.T) {
	c := NewConfig()
	c.Rules = []*Rule{
		{TopicFilter: "#", RuleNr: 1, SubType: RuleAllow, SubUsers: map[string]struct{}{AnyGroupName: {}}},
		{TopicFilter: "private/#", RuleNr: 2, SubType: RuleDeny, SubUsers: map[string]struct{}{AnyGroupName: {}}},
	}
	if c.AuthorizeSubscribe("alice", "private/secret") {
		t.Fatalf("expected private/secret to be denied")
	}
	if !c.AuthorizeSubscribe("alice", "public/news") {
		t.Fatalf("expected public/news to remain allowed")
	}
}

func TestMatchesFilterDollarExclusion(t *testing.T) {
	if matchesFilter(tokenize("#"), tokenize("$SYS/uptime")) {
		t.Fatalf("expected root # to not match $ topics")
	}
	if !matchesFilter(tokenize("$SYS/#"), tokenize("$SYS/uptime")) {
		t.Fatalf("expected explicit $SYS/# to match")
	}
}

func TestIntersectFiltersHash(t *testing.T) {
	got, ok := intersectFilters(tokenize("sport/#"), tokenize("sport/tennis/score"))
	if !ok || got != "sport/tennis/score" {
		t.Fatalf("expected intersection sport/tennis/score, got %q ok=%v", got, ok)
	}
}

func TestIntersectFiltersMismatch(t *testing.T) {
	if _, ok := intersectFilters(tokenize("sport/tennis"), tokenize("weather/oslo")); ok {
		t.Fatalf("expected no intersection for disjoint filters")
	}
}
