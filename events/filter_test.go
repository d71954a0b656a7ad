package events

import (
	"testing"
	"time"

	"github.com/cloudrive/drivesdk"
)

func TestFilterEvaluator(t *testing.T) {
	now := time.Now()
	node := &drivesdk.Node{
		UID:       "v~n1",
		ParentUID: "v~parent",
		VolumeID:  "v",
		Type:      drivesdk.NodeTypeFolder,
		Name:      drivesdk.Ok("reports"),
		TrashTime: &now,
		IsShared:  true,
	}

	cases := []struct {
		expression string
		want       bool
	}{
		{`node.name == "reports"`, true},
		{`node.name == "other"`, false},
		{`node.parentUid == "v~parent" && node.volumeId == "v"`, true},
		{`node.nodeType == "folder"`, true},
		{`node.trashed`, true},
		{`node.shared && !node.stale`, true},
	}
	for _, tc := range cases {
		evaluator, err := NewFilterEvaluator(tc.expression)
		if err != nil {
			t.Fatalf("%s: %v", tc.expression, err)
		}
		got, err := evaluator.Evaluate(node)
		if err != nil {
			t.Fatalf("%s: %v", tc.expression, err)
		}
		if got != tc.want {
			t.Errorf("%s = %v, want %v", tc.expression, got, tc.want)
		}
	}
}

func TestFilterEvaluatorUsesClaimedName(t *testing.T) {
	node := &drivesdk.Node{
		UID:      "v~n1",
		VolumeID: "v",
		Type:     drivesdk.NodeTypeFile,
		Name:     drivesdk.Failed("ciphertext", "undecryptable"),
	}
	evaluator, err := NewFilterEvaluator(`node.name == "ciphertext"`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := evaluator.Evaluate(node)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("failed names should expose the claimed value")
	}
}

func TestFilterEvaluatorErrors(t *testing.T) {
	if _, err := NewFilterEvaluator(""); err == nil {
		t.Error("empty expression should fail")
	}
	if _, err := NewFilterEvaluator("node..("); err == nil {
		t.Error("malformed expression should fail")
	}

	evaluator, err := NewFilterEvaluator("node.name")
	if err != nil {
		t.Fatal(err)
	}
	node := &drivesdk.Node{UID: "v~n1", VolumeID: "v", Name: drivesdk.Ok("a")}
	if _, err := evaluator.Evaluate(node); err == nil {
		t.Error("non-boolean expression should fail at evaluation")
	}
}
