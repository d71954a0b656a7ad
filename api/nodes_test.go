package api

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudrive/drivesdk"
)

func TestGetNode(t *testing.T) {
	ctx := context.Background()
	transport := NewMockTransport()
	client := NewClient(transport)

	transport.Respond("GET", "/volumes/v/nodes/n1", nodeResponse{
		Code: ResponseCodeOK,
		Node: EncryptedNode{UID: "v~n1", VolumeID: "v", EncryptedName: "enc(a)"},
	})

	n, err := client.GetNode(ctx, "v~n1")
	if err != nil {
		t.Fatal(err)
	}
	if n.UID != "v~n1" || n.EncryptedName != "enc(a)" {
		t.Errorf("got %+v", n)
	}

	if _, err := client.GetNode(ctx, "not-a-uid"); err == nil {
		t.Error("malformed uid should fail before any request")
	}
}

func TestGetNodesRejectsMixedVolumes(t *testing.T) {
	client := NewClient(NewMockTransport())
	_, err := client.GetNodes(context.Background(), []string{"v~a", "w~b"})
	var validation *drivesdk.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("got %v, want ValidationError", err)
	}
}

func TestUIDIteratorPaging(t *testing.T) {
	ctx := context.Background()
	transport := NewMockTransport()
	client := NewClient(transport)

	transport.Respond("GET", "/volumes/v/folders/f/children", uidPageResponse{
		Code: ResponseCodeOK, UIDs: []string{"v~a", "v~b"}, More: true, Anchor: "p2",
	})
	transport.Respond("GET", "/volumes/v/folders/f/children?anchor=p2", uidPageResponse{
		Code: ResponseCodeOK, UIDs: []string{"v~c"}, More: false,
	})

	it, err := client.IterateFolderChildrenUIDs(ctx, "v~f")
	if err != nil {
		t.Fatal(err)
	}
	var uids []string
	for {
		uid, done, err := it.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
		uids = append(uids, uid)
	}
	want := []string{"v~a", "v~b", "v~c"}
	if len(uids) != len(want) {
		t.Fatalf("uids = %v, want %v", uids, want)
	}
	for i := range want {
		if uids[i] != want[i] {
			t.Errorf("uids = %v, want %v", uids, want)
			break
		}
	}
}

func TestBatchMutationRehydratesUIDs(t *testing.T) {
	ctx := context.Background()
	transport := NewMockTransport()
	client := NewClient(transport)

	transport.Respond("POST", "/volumes/v/trash_multiple", batchResponse{
		Code: ResponseCodeOK,
		Results: []PartialResult{
			{UID: "a", Code: ResponseCodeOK},
			{UID: "b", Code: 2001, Message: "locked"},
		},
	})

	results, err := client.TrashNodes(ctx, "v", []string{"v~a", "v~b"})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].UID != "v~a" || results[1].UID != "v~b" {
		t.Errorf("uids not rehydrated: %+v", results)
	}
	if results[0].Err() != nil {
		t.Errorf("first result should succeed: %v", results[0].Err())
	}
	var validation *drivesdk.ValidationError
	if !errors.As(results[1].Err(), &validation) {
		t.Errorf("second result = %v, want ValidationError", results[1].Err())
	}
}

func TestCreateDraftConflict(t *testing.T) {
	ctx := context.Background()
	transport := NewMockTransport()
	client := NewClient(transport)

	transport.Respond("POST", "/volumes/v/drafts", createDraftResponse{
		Code:                 ResponseCodeAlreadyExists,
		Message:              "name taken",
		ConflictingNodeUID:   "v~existing",
		ConflictingIsDraft:   true,
		ConflictingClientUID: "client-9",
	})

	_, _, err := client.CreateDraft(ctx, CreateDraftRequest{ParentUID: "v~parent"})
	var conflict *DraftConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want DraftConflictError", err)
	}
	if conflict.ExistingNodeUID != "v~existing" || !conflict.HasDraftConflict || conflict.ConflictingClientUID != "client-9" {
		t.Errorf("got %+v", conflict)
	}
	// It must also satisfy the generic conflict type.
	var exists *drivesdk.NodeAlreadyExistsError
	if !errors.As(err, &exists) {
		t.Error("conflict should unwrap to NodeAlreadyExistsError")
	}
}

func TestCheckAvailableHashes(t *testing.T) {
	ctx := context.Background()
	transport := NewMockTransport()
	client := NewClient(transport)

	transport.Respond("POST", "/volumes/v/folders/f/available_hashes", availableHashesResponse{
		Code:            ResponseCodeOK,
		AvailableHashes: []string{"h2"},
	})
	free, err := client.CheckAvailableHashes(ctx, "v~f", []string{"h1", "h2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(free) != 1 || free[0] != "h2" {
		t.Errorf("got %v", free)
	}
}
