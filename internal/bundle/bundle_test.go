package bundle

import (
	"errors"
	"reflect"
	"testing"
)

func TestEntitlementsCloneIsIndependent(t *testing.T) {
	orig := Entitlements{"a": 1}
	clone := orig.Clone()
	clone["a"] = 2
	clone["b"] = 3

	if orig["a"] != 1 {
		t.Errorf("orig[a] = %v, want 1 (clone must not alias the original map)", orig["a"])
	}
	if _, ok := orig["b"]; ok {
		t.Error("orig gained key b through the clone")
	}
}

func tree() *AppBundle {
	leaf1 := &AppBundle{Path: "leaf1"}
	leaf2 := &AppBundle{Path: "leaf2"}
	child := &AppBundle{Path: "child", Nested: []*AppBundle{leaf1, leaf2}}
	return &AppBundle{Path: "root", Nested: []*AppBundle{child}}
}

func TestWalkVisitsParentBeforeChildren(t *testing.T) {
	var order []string
	err := tree().Walk(func(b *AppBundle) error {
		order = append(order, b.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	want := []string{"root", "child", "leaf1", "leaf2"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("Walk() order = %v, want %v", order, want)
	}
}

func TestWalkPropagatesError(t *testing.T) {
	wantErr := errors.New("stop")
	err := tree().Walk(func(b *AppBundle) error {
		if b.Path == "child" {
			return wantErr
		}
		return nil
	})
	if err != wantErr {
		t.Errorf("Walk() error = %v, want %v", err, wantErr)
	}
}

func TestReverseTopologicalVisitsChildrenBeforeParent(t *testing.T) {
	order := tree().ReverseTopological()
	paths := make([]string, len(order))
	for i, b := range order {
		paths[i] = b.Path
	}
	want := []string{"leaf1", "leaf2", "child", "root"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("ReverseTopological() = %v, want %v", paths, want)
	}
}

func TestCount(t *testing.T) {
	if got := tree().Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}
}
