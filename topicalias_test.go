package mqtt

import "testing"

func TestTopicAliasTableSetResolve(t *testing.T) {
	tbl := NewTopicAliasTable(5)
	if err := tbl.Set(1, "a/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name, ok := tbl.Resolve(1)
	if !ok || name != "a/b" {
		t.Fatalf("expected resolve to return a/b, got %q ok=%v", name, ok)
	}
}

func TestTopicAliasTableRejectsOutOfRange(t *testing.T) {
	tbl := NewTopicAliasTable(2)
	if err := tbl.Set(0, "a"); err != ErrTopicAliasInvalid {
		t.Fatalf("expected invalid alias 0 to error")
	}
	if err := tbl.Set(3, "a"); err != ErrTopicAliasInvalid {
		t.Fatalf("expected alias above max to error")
	}
}

func TestTopicAliasTableOverwrite(t *testing.T) {
	tbl := NewTopicAliasTable(5)
	_ = tbl.Set(1, "a/b")
	_ = tbl.Set(1, "c/d")
	name, _ := tbl.Resolve(1)
	if name != "c/d" {
		t.Fatalf("expected overwrite to replace mapping, got %q", name)
	}
}

func TestTopicAliasTableResetOnReconnect(t *testing.T) {
	tbl := NewTopicAliasTable(5)
	_ = tbl.Set(1, "a/b")
	tbl.Reset()
	if _, ok := tbl.Resolve(1); ok {
		t.Fatalf("expected alias table to be empty after reset")
	}
}
