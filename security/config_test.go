package security

import (
	"strings"
	"testing"
)

const sampleConfig = `{
  # comment lines are stripped before parsing
  "authentication": [
    {"name": "alice", "method": "sha256", "digest": "deadbeef", "salt": "abc"},
    {"name": "bob", "method": "plain_password", "digest": "secret"},
    {"name": "anon", "method": "anonymous"}
  ],
  "groups": [
    {"name": "@admins", "members": ["alice"]}
  ],
  "authorization": [
    {"topic": "#", "allow": {"sub": ["@any"], "pub": ["@any"]}},
    {"topic": "private/#", "deny": {"sub": ["bob"], "pub": ["bob"]}}
  ]
}`

func TestLoadJSONStripsCommentsAndParses(t *testing.T) {
	cfg, err := LoadJSON(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Authentication) != 3 {
		t.Fatalf("expected 3 authentication entries, got %d", len(cfg.Authentication))
	}
	if cfg.Anonymous != "anon" {
		t.Fatalf("expected anonymous user 'anon', got %q", cfg.Anonymous)
	}
	if _, ok := cfg.Groups["@admins"]; !ok {
		t.Fatalf("expected @admins group to be parsed")
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 authorization rules, got %d", len(cfg.Rules))
	}
}

func TestLoadJSONRejectsDuplicateAnonymous(t *testing.T) {
	doc := `{"authentication": [
		{"name": "a1", "method": "anonymous"},
		{"name": "a2", "method": "anonymous"}
	]}`
	if _, err := LoadJSON(strings.NewReader(doc)); err == nil {
		t.Fatalf("expected error for duplicate anonymous users")
	}
}

func TestStripCommentsPreservesHashInsideString(t *testing.T) {
	doc := `{"digest": "not#a-comment"} # trailing comment`
	out, err := StripComments(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "not#a-comment") {
		t.Fatalf("expected literal # inside string to survive, got %q", out)
	}
	if strings.Contains(string(out), "trailing comment") {
		t.Fatalf("expected trailing comment to be stripped, got %q", out)
	}
}
