// Package security implements the broker's authentication and
// authorization layer: one of five authentication methods per user
// (sha256 digest, plain password, client certificate, anonymous,
// unauthenticated), and an ordered set of allow/deny authorization
// rules keyed by username, group, or the special "@any" group.
package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// AnyGroupName is the implicit group every authenticated user belongs
// to, regardless of its explicit group membership.
const AnyGroupName = "@any"

// Method identifies how a user's identity is verified.
type Method string

const (
	MethodSHA256          Method = "sha256"
	MethodPlainPassword   Method = "plain_password"
	MethodClientCert      Method = "client_cert"
	MethodAnonymous       Method = "anonymous"
	MethodUnauthenticated Method = "unauthenticated"
)

// RuleType is the effect of an authorization rule: allow, deny, or (the
// zero value) no opinion for that direction.
type RuleType int

const (
	RuleNone RuleType = iota
	RuleAllow
	RuleDeny
)

// Authentication is one configured user's credential record.
type Authentication struct {
	Method Method
	Digest string // hex sha256 digest, or the plaintext password for MethodPlainPassword
	Salt   string
	Groups []string
}

// Group is a named collection of usernames.
type Group struct {
	Name    string
	Members []string
}

// Rule is one ordered authorization entry. A rule with a non-empty
// SubUsers/PubUsers set contributes to subscribe/publish authorization
// for those usernames/groups at the filter TopicFilter.
type Rule struct {
	TopicFilter string
	RuleNr      int

	SubType  RuleType
	SubUsers map[string]struct{}

	PubType  RuleType
	PubUsers map[string]struct{}
}

// Config is the full, parsed security configuration for a broker.
type Config struct {
	Authentication map[string]*Authentication
	Groups         map[string]*Group
	Rules          []*Rule

	Anonymous       string // username of the configured anonymous user, "" if none
	Unauthenticated string // username of the configured unauthenticated user, "" if none
}

// NewConfig returns an empty configuration (no users, no rules).
func NewConfig() *Config {
	return &Config{
		Authentication: make(map[string]*Authentication),
		Groups:         map[string]*Group{AnyGroupName: {Name: AnyGroupName}},
	}
}

// DefaultConfig returns a permissive configuration equivalent to
// running with no security file at all: a single anonymous user
// allowed to publish and subscribe to "#".
func DefaultConfig() *Config {
	c := NewConfig()
	c.Anonymous = "anonymous"
	c.Authentication["anonymous"] = &Authentication{Method: MethodAnonymous}
	c.Rules = append(c.Rules, &Rule{
		TopicFilter: "#",
		RuleNr:      1,
		SubType:     RuleAllow,
		SubUsers:    map[string]struct{}{"anonymous": {}},
		PubType:     RuleAllow,
		PubUsers:    map[string]struct{}{"anonymous": {}},
	})
	return c
}

func isValidGroupName(name string) bool {
	return name != "" && strings.HasPrefix(name, "@")
}

func isValidUserName(name string) bool {
	return name != "" && !strings.HasPrefix(name, "@")
}

// jsonConfig mirrors the on-disk schema: a direct translation of the
// authentication/groups/authorization sections used throughout the
// broker configuration format this package is grounded on.
type jsonConfig struct {
	Authentication []struct {
		Name   string `json:"name"`
		Method string `json:"method"`
		Digest string `json:"digest"`
		Salt   string `json:"salt"`
	} `json:"authentication"`
	Groups []struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	} `json:"groups"`
	Authorization []struct {
		Topic string `json:"topic"`
		Allow *struct {
			Sub []string `json:"sub"`
			Pub []string `json:"pub"`
		} `json:"allow"`
		Deny *struct {
			Sub []string `json:"sub"`
			Pub []string `json:"pub"`
		} `json:"deny"`
	} `json:"authorization"`
}

// StripComments removes '#'-introduced comments from a config stream,
// respecting single- and double-quoted strings, before it is handed to
// the JSON parser (JSON itself has no comment syntax).
func StripComments(input io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	insideComment, insideSingle, insideDouble := false, false, false
	for _, c := range string(raw) {
		if !insideDouble && !insideSingle && c == '#' {
			insideComment = true
		}
		if !insideDouble && c == '\'' {
			insideSingle = !insideSingle
		}
		if !insideSingle && c == '"' {
			insideDouble = !insideDouble
		}
		if !insideDouble && c == '\n' {
			insideComment = false
		}
		if !insideComment {
			out.WriteRune(c)
		}
	}
	return out.Bytes(), nil
}

// LoadJSON parses a comment-stripped JSON security configuration.
func LoadJSON(input io.Reader) (*Config, error) {
	stripped, err := StripComments(input)
	if err != nil {
		return nil, err
	}
	var doc jsonConfig
	if err := json.Unmarshal(stripped, &doc); err != nil {
		return nil, fmt.Errorf("security: parse config: %w", err)
	}

	c := NewConfig()
	for _, a := range doc.Authentication {
		if !isValidUserName(a.Name) {
			return nil, fmt.Errorf("security: invalid username %q", a.Name)
		}
		switch Method(a.Method) {
		case MethodSHA256:
			c.Authentication[a.Name] = &Authentication{Method: MethodSHA256, Digest: a.Digest, Salt: a.Salt}
		case MethodPlainPassword:
			c.Authentication[a.Name] = &Authentication{Method: MethodPlainPassword, Digest: a.Digest}
		case MethodClientCert:
			c.Authentication[a.Name] = &Authentication{Method: MethodClientCert}
		case MethodAnonymous:
			if c.Anonymous != "" {
				return nil, fmt.Errorf("security: only one anonymous user allowed, already have %q", c.Anonymous)
			}
			c.Anonymous = a.Name
			c.Authentication[a.Name] = &Authentication{Method: MethodAnonymous}
		case MethodUnauthenticated:
			if c.Unauthenticated != "" {
				return nil, fmt.Errorf("security: only one unauthenticated user allowed, already have %q", c.Unauthenticated)
			}
			c.Unauthenticated = a.Name
			c.Authentication[a.Name] = &Authentication{Method: MethodUnauthenticated}
		default:
			return nil, fmt.Errorf("security: invalid authentication method %q", a.Method)
		}
	}

	for _, g := range doc.Groups {
		if !isValidGroupName(g.Name) {
			return nil, fmt.Errorf("security: invalid group name %q", g.Name)
		}
		c.Groups[g.Name] = &Group{Name: g.Name, Members: g.Members}
	}

	ruleNr := 1
	for _, a := range doc.Authorization {
		rule := &Rule{TopicFilter: a.Topic, RuleNr: ruleNr, SubUsers: map[string]struct{}{}, PubUsers: map[string]struct{}{}}
		ruleNr++
		if a.Allow != nil {
			for _, u := range a.Allow.Sub {
				rule.SubUsers[u] = struct{}{}
			}
			if len(a.Allow.Sub) > 0 {
				rule.SubType = RuleAllow
			}
			for _, u := range a.Allow.Pub {
				rule.PubUsers[u] = struct{}{}
			}
			if len(a.Allow.Pub) > 0 {
				rule.PubType = RuleAllow
			}
		}
		if a.Deny != nil {
			for _, u := range a.Deny.Sub {
				rule.SubUsers[u] = struct{}{}
			}
			if len(a.Deny.Sub) > 0 {
				rule.SubType = RuleDeny
			}
			for _, u := range a.Deny.Pub {
				rule.PubUsers[u] = struct{}{}
			}
			if len(a.Deny.Pub) > 0 {
				rule.PubType = RuleDeny
			}
		}
		c.Rules = append(c.Rules, rule)
	}

	return c, nil
}
