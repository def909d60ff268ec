package document_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobboyms/docstore/pkg/document"
)

func decode(t *testing.T, raw string) document.Value {
	t.Helper()
	v, err := document.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode(%q): %v", raw, err)
	}
	return v
}

func TestMerge_NilSourceReturnsTargetUnchanged(t *testing.T) {
	target := decode(t, `{"a":1}`)
	got := document.Merge(target, nil)
	if diff := cmp.Diff(target, got); diff != "" {
		t.Errorf("Merge(target, nil) mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_ScalarAndArraySourceReplace(t *testing.T) {
	target := decode(t, `{"a":{"b":1},"arr":[1,2,3]}`)

	got := document.Merge(target, decode(t, `{"arr":[9]}`))
	want := decode(t, `{"a":{"b":1},"arr":[9]}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("array replace mismatch (-want +got):\n%s", diff)
	}

	got = document.Merge(target, decode(t, `{"a":"scalar"}`))
	want = decode(t, `{"a":"scalar","arr":[1,2,3]}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scalar overwrite mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_PreservesSiblings(t *testing.T) {
	// Scenario 6 from spec §8.
	doc := decode(t, `{"user":{"profile":{"name":"John","age":30}}}`)
	doc = document.Merge(doc, decode(t, `{"user":{"profile":{"age":31},"preferences":{"lang":"en"}}}`))

	want := decode(t, `{"user":{"profile":{"name":"John","age":31},"preferences":{"lang":"en"}}}`)
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("deep-merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_DisjointFieldsNeverClash(t *testing.T) {
	// Scenario 2 from spec §8.
	base := decode(t, `{}`)
	a := document.Merge(base, decode(t, `{"f0":"v0"}`))
	both := document.Merge(a, decode(t, `{"f1":"v1"}`))

	want := decode(t, `{"f0":"v0","f1":"v1"}`)
	if diff := cmp.Diff(want, both); diff != "" {
		t.Errorf("disjoint merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_DoesNotMutateTarget(t *testing.T) {
	target := decode(t, `{"a":{"b":1}}`)
	snapshot := decode(t, `{"a":{"b":1}}`)

	_ = document.Merge(target, decode(t, `{"a":{"b":2},"c":3}`))

	if diff := cmp.Diff(snapshot, target); diff != "" {
		t.Errorf("Merge mutated target (-want +got):\n%s", diff)
	}
}

func TestMerge_NullSourceFieldClearsButStaysPassthrough(t *testing.T) {
	target := decode(t, `{"a":1,"b":2}`)
	got := document.Merge(target, decode(t, `{"b":null}`))

	want := decode(t, `{"a":1,"b":null}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("null field mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_EmptyIsNil(t *testing.T) {
	v, err := document.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if v != nil {
		t.Errorf("expected nil, got %#v", v)
	}
}
