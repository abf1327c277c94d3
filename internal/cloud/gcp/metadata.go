package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"cloud.google.com/go/compute/metadata"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// StatusMetadataKey is the instance metadata key holding the loop status.
const StatusMetadataKey = "walletguard-status"

const (
	statusUpdateTimeout = 10 * time.Second

	// statusWriteAttempts bounds retries when another writer changed the
	// instance metadata between our read and write.
	statusWriteAttempts = 3
)

// MetadataUpdater publishes the loop status on the GCE instance running it.
type MetadataUpdater interface {
	UpdateStatus(ctx context.Context, status CycleStatusMetadata) error
	Close() error
}

// CycleStatusMetadata is the JSON structure written under StatusMetadataKey
// after every cycle, so operators can read progress with
// "gcloud compute instances describe".
type CycleStatusMetadata struct {
	SessionID          string  `json:"session_id"`
	Cycle              int     `json:"cycle"`
	LastOutcome        string  `json:"last_outcome"`
	SecurityScore      float64 `json:"security_score"`
	ThreatsDetected    int     `json:"threats_detected"`
	MonitorRunning     bool    `json:"monitor_running"`
	MonitorThreats     int     `json:"monitor_threats"`
	BlacklistedWallets int     `json:"blacklisted_wallets"`
	SandboxReady       bool    `json:"sandbox_ready"`
	UpdatedAt          string  `json:"updated_at"`
}

// Instance identifies the VM whose metadata carries the status.
type Instance struct {
	Project string
	Zone    string
	Name    string
}

func (i Instance) String() string {
	return fmt.Sprintf("projects/%s/zones/%s/instances/%s", i.Project, i.Zone, i.Name)
}

// InstanceAPI is the slice of the Compute API the status publisher uses.
type InstanceAPI interface {
	GetMetadata(ctx context.Context, inst Instance) (*compute.Metadata, error)
	SetMetadata(ctx context.Context, inst Instance, md *compute.Metadata) error
}

type computeInstanceAPI struct {
	instances *compute.InstancesService
}

func (a *computeInstanceAPI) GetMetadata(ctx context.Context, inst Instance) (*compute.Metadata, error) {
	vm, err := a.instances.Get(inst.Project, inst.Zone, inst.Name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return vm.Metadata, nil
}

func (a *computeInstanceAPI) SetMetadata(ctx context.Context, inst Instance, md *compute.Metadata) error {
	_, err := a.instances.SetMetadata(inst.Project, inst.Zone, inst.Name, md).Context(ctx).Do()
	return err
}

// instanceLocator answers who-am-i questions. *metadata.Client implements it.
type instanceLocator interface {
	ProjectID() (string, error)
	Zone() (string, error)
	InstanceName() (string, error)
}

func locateInstance(loc instanceLocator) (Instance, error) {
	var inst Instance
	var err error
	if inst.Project, err = loc.ProjectID(); err != nil {
		return Instance{}, fmt.Errorf("failed to get project ID: %w", err)
	}
	if inst.Zone, err = loc.Zone(); err != nil {
		return Instance{}, fmt.Errorf("failed to get zone: %w", err)
	}
	// Some metadata servers answer with the full zone resource path.
	inst.Zone = path.Base(inst.Zone)
	if inst.Name, err = loc.InstanceName(); err != nil {
		return Instance{}, fmt.Errorf("failed to get instance name: %w", err)
	}
	return inst, nil
}

// InstanceStatusPublisher writes CycleStatusMetadata into the metadata of
// the instance the loop runs on.
type InstanceStatusPublisher struct {
	api  InstanceAPI
	inst Instance
}

// DiscoverStatusPublisher locates the current instance through the GCE
// metadata server and returns a publisher for it.
func DiscoverStatusPublisher(ctx context.Context, opts ...option.ClientOption) (*InstanceStatusPublisher, error) {
	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	inst, err := locateInstance(metadata.NewClient(&http.Client{Timeout: 2 * time.Second}))
	if err != nil {
		return nil, err
	}
	return NewInstanceStatusPublisher(&computeInstanceAPI{instances: service.Instances}, inst), nil
}

// NewInstanceStatusPublisher returns a publisher writing through api.
func NewInstanceStatusPublisher(api InstanceAPI, inst Instance) *InstanceStatusPublisher {
	return &InstanceStatusPublisher{api: api, inst: inst}
}

// UpdateStatus stores status under StatusMetadataKey, keeping every other
// metadata item. A write rejected because the metadata fingerprint moved is
// retried against fresh metadata.
func (p *InstanceStatusPublisher) UpdateStatus(ctx context.Context, status CycleStatusMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, statusUpdateTimeout)
	defer cancel()

	value, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	for attempt := 1; ; attempt++ {
		md, err := p.api.GetMetadata(ctx, p.inst)
		if err != nil {
			return fmt.Errorf("failed to get instance metadata for %s: %w", p.inst, err)
		}
		err = p.api.SetMetadata(ctx, p.inst, withItem(md, StatusMetadataKey, string(value)))
		if err == nil {
			return nil
		}
		if !isFingerprintConflict(err) || attempt >= statusWriteAttempts {
			return fmt.Errorf("failed to set instance metadata for %s: %w", p.inst, err)
		}
	}
}

// Close releases nothing; the compute service holds no connections of its own.
func (p *InstanceStatusPublisher) Close() error {
	return nil
}

// withItem returns md with key set to value. The fingerprint is carried over
// so the write fails if someone else changed the metadata meanwhile.
func withItem(md *compute.Metadata, key, value string) *compute.Metadata {
	out := &compute.Metadata{}
	if md != nil {
		out.Fingerprint = md.Fingerprint
		out.Items = make([]*compute.MetadataItems, 0, len(md.Items)+1)
		for _, item := range md.Items {
			if item.Key != key {
				out.Items = append(out.Items, item)
			}
		}
	}
	out.Items = append(out.Items, &compute.MetadataItems{Key: key, Value: &value})
	return out
}

func isFingerprintConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// IsRunningOnGCP reports whether the GCE metadata server answers.
func IsRunningOnGCP() bool {
	return metadata.OnGCE()
}
