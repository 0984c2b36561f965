package security

import (
	"strings"
	"testing"
)

func TestLoginPasswordSHA256(t *testing.T) {
	c := NewConfig()
	digest := SHA256Hash("salt" + "hunter2")
	c.Authentication["alice"] = &Authentication{Method: MethodSHA256, Digest: digest, Salt: "salt"}

	if _, ok := c.LoginPassword("alice", "hunter2"); !ok {
		t.Fatalf("expected correct password to authenticate")
	}
	if _, ok := c.LoginPassword("alice", "wrong"); ok {
		t.Fatalf("expected incorrect password to fail")
	}
}

func TestLoginPasswordSHA256CaseInsensitive(t *testing.T) {
	c := NewConfig()
	digest := SHA256Hash("hunter2")
	c.Authentication["alice"] = &Authentication{Method: MethodSHA256, Digest: strings.ToUpper(digest)}
	if _, ok := c.LoginPassword("alice", "hunter2"); !ok {
		t.Fatalf("expected sha256 comparison to be case-insensitive")
	}
}

func TestLoginPasswordPlain(t *testing.T) {
	c := NewConfig()
	c.Authentication["bob"] = &Authentication{Method: MethodPlainPassword, Digest: "secret"}
	if _, ok := c.LoginPassword("bob", "secret"); !ok {
		t.Fatalf("expected plain password match to authenticate")
	}
	if _, ok := c.LoginPassword("bob", "SECRET"); ok {
		t.Fatalf("expected plain password comparison to be case-sensitive")
	}
}

func TestMembershipIncludesAnyGroup(t *testing.T) {
	c := NewConfig()
	c.Groups["@admins"] = &Group{Name: "@admins", Members: []string{"alice"}}
	m := c.membership("alice")
	for _, want := range []string{"alice", "@admins", AnyGroupName} {
		if _, ok := m[want]; !ok {
			t.Fatalf("expected membership to include %q, got %v", want, m)
		}
	}
}
