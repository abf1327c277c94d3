package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

var testInstance = Instance{Project: "wallet-prod", Zone: "us-central1-a", Name: "walletguard-1"}

// fakeInstanceAPI serves metadata from memory and enforces fingerprints the
// way the Compute API does.
type fakeInstanceAPI struct {
	md       *compute.Metadata
	getErr   error
	setErrs  []error
	sets     int
	lastSet  *compute.Metadata
	lastInst Instance
}

func (f *fakeInstanceAPI) GetMetadata(_ context.Context, inst Instance) (*compute.Metadata, error) {
	f.lastInst = inst
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.md, nil
}

func (f *fakeInstanceAPI) SetMetadata(_ context.Context, inst Instance, md *compute.Metadata) error {
	f.sets++
	f.lastSet = md
	f.lastInst = inst
	if len(f.setErrs) > 0 {
		err := f.setErrs[0]
		f.setErrs = f.setErrs[1:]
		return err
	}
	return nil
}

func statusItem(t *testing.T, md *compute.Metadata) CycleStatusMetadata {
	t.Helper()
	for _, item := range md.Items {
		if item.Key == StatusMetadataKey {
			var st CycleStatusMetadata
			if err := json.Unmarshal([]byte(*item.Value), &st); err != nil {
				t.Fatalf("status item is not JSON: %v", err)
			}
			return st
		}
	}
	t.Fatalf("%s missing from metadata", StatusMetadataKey)
	return CycleStatusMetadata{}
}

func TestInstanceStatusPublisher_InterfaceCompliance(t *testing.T) {
	var _ MetadataUpdater = (*InstanceStatusPublisher)(nil)
	var _ InstanceAPI = (*computeInstanceAPI)(nil)
}

func TestInstanceStatusPublisher_KeepsOtherItems(t *testing.T) {
	startup := "#!/bin/bash\ndocker pull walletguard"
	api := &fakeInstanceAPI{md: &compute.Metadata{
		Fingerprint: "fp1",
		Items:       []*compute.MetadataItems{{Key: "startup-script", Value: &startup}},
	}}
	pub := NewInstanceStatusPublisher(api, testInstance)

	status := CycleStatusMetadata{
		SessionID:      "security_session_1",
		Cycle:          4,
		LastOutcome:    "success",
		SecurityScore:  0.87,
		MonitorRunning: true,
		SandboxReady:   true,
	}
	if err := pub.UpdateStatus(context.Background(), status); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	if api.lastInst != testInstance {
		t.Errorf("wrote to %s, want %s", api.lastInst, testInstance)
	}
	if api.lastSet.Fingerprint != "fp1" {
		t.Errorf("fingerprint = %q, want fp1", api.lastSet.Fingerprint)
	}
	if len(api.lastSet.Items) != 2 || api.lastSet.Items[0].Key != "startup-script" {
		t.Fatalf("items = %+v, want startup-script kept and status appended", api.lastSet.Items)
	}
	if got := statusItem(t, api.lastSet); got != status {
		t.Errorf("status = %+v, want %+v", got, status)
	}
}

func TestInstanceStatusPublisher_ReplacesPreviousStatus(t *testing.T) {
	old := `{"cycle":1,"last_outcome":"failed"}`
	original := &compute.Metadata{
		Fingerprint: "fp2",
		Items:       []*compute.MetadataItems{{Key: StatusMetadataKey, Value: &old}},
	}
	api := &fakeInstanceAPI{md: original}
	pub := NewInstanceStatusPublisher(api, testInstance)

	if err := pub.UpdateStatus(context.Background(), CycleStatusMetadata{Cycle: 2, LastOutcome: "aborted"}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	if len(api.lastSet.Items) != 1 {
		t.Fatalf("got %d items, want the status item only", len(api.lastSet.Items))
	}
	if got := statusItem(t, api.lastSet); got.Cycle != 2 || got.LastOutcome != "aborted" {
		t.Errorf("status = %+v", got)
	}
	if *original.Items[0].Value != old {
		t.Error("fetched metadata must not be modified in place")
	}
}

func TestInstanceStatusPublisher_NoMetadataYet(t *testing.T) {
	api := &fakeInstanceAPI{}
	pub := NewInstanceStatusPublisher(api, testInstance)

	if err := pub.UpdateStatus(context.Background(), CycleStatusMetadata{Cycle: 1}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if got := statusItem(t, api.lastSet); got.Cycle != 1 {
		t.Errorf("status = %+v", got)
	}
}

func TestInstanceStatusPublisher_RetriesFingerprintConflict(t *testing.T) {
	conflict := &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "fingerprint mismatch"}
	api := &fakeInstanceAPI{md: &compute.Metadata{Fingerprint: "fp3"}, setErrs: []error{conflict}}
	pub := NewInstanceStatusPublisher(api, testInstance)

	if err := pub.UpdateStatus(context.Background(), CycleStatusMetadata{Cycle: 5}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if api.sets != 2 {
		t.Errorf("SetMetadata called %d times, want 2", api.sets)
	}
}

func TestInstanceStatusPublisher_GivesUpOnRepeatedConflicts(t *testing.T) {
	conflict := &googleapi.Error{Code: http.StatusPreconditionFailed}
	api := &fakeInstanceAPI{
		md:      &compute.Metadata{},
		setErrs: []error{conflict, conflict, conflict, conflict},
	}
	pub := NewInstanceStatusPublisher(api, testInstance)

	err := pub.UpdateStatus(context.Background(), CycleStatusMetadata{})
	if err == nil || !strings.Contains(err.Error(), "failed to set instance metadata") {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if api.sets != statusWriteAttempts {
		t.Errorf("SetMetadata called %d times, want %d", api.sets, statusWriteAttempts)
	}
}

func TestInstanceStatusPublisher_Errors(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeInstanceAPI
		wantErr string
		sets    int
	}{
		{
			name:    "read fails",
			api:     &fakeInstanceAPI{getErr: errors.New("instance not found")},
			wantErr: "failed to get instance metadata for projects/wallet-prod/zones/us-central1-a/instances/walletguard-1",
		},
		{
			name:    "write denied",
			api:     &fakeInstanceAPI{md: &compute.Metadata{}, setErrs: []error{&googleapi.Error{Code: http.StatusForbidden}}},
			wantErr: "failed to set instance metadata",
			sets:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewInstanceStatusPublisher(tt.api, testInstance).UpdateStatus(context.Background(), CycleStatusMetadata{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("UpdateStatus() error = %v, want containing %q", err, tt.wantErr)
			}
			if tt.api.sets != tt.sets {
				t.Errorf("SetMetadata called %d times, want %d", tt.api.sets, tt.sets)
			}
		})
	}
}

type fakeLocator struct {
	project, zone, name string
	err                 error
}

func (l fakeLocator) ProjectID() (string, error)    { return l.project, l.err }
func (l fakeLocator) Zone() (string, error)         { return l.zone, nil }
func (l fakeLocator) InstanceName() (string, error) { return l.name, nil }

func TestLocateInstance(t *testing.T) {
	got, err := locateInstance(fakeLocator{
		project: "wallet-prod",
		zone:    "projects/123456/zones/us-central1-a",
		name:    "walletguard-1",
	})
	if err != nil {
		t.Fatalf("locateInstance() error = %v", err)
	}
	if got != testInstance {
		t.Errorf("locateInstance() = %+v, want %+v", got, testInstance)
	}

	_, err = locateInstance(fakeLocator{err: errors.New("not on GCE")})
	if err == nil || !strings.Contains(err.Error(), "failed to get project ID") {
		t.Errorf("locateInstance() error = %v", err)
	}
}

func TestInstanceStatusPublisher_Close(t *testing.T) {
	if err := NewInstanceStatusPublisher(nil, testInstance).Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
