// Package gcp wraps the Google Cloud APIs the security loop talks to.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

const secretFetchTimeout = 10 * time.Second

// projectEnvVars are consulted in order before the metadata server.
var projectEnvVars = []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// SecretFetcher reads API keys and tokens out of a secret store.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, ref string) (string, error)
	Close() error
}

// secretAccessor is the part of the Secret Manager client we call.
type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// SecretManagerClient fetches secrets from GCP Secret Manager. Bare secret
// names resolve against the project the loop runs in.
type SecretManagerClient struct {
	accessor  secretAccessor
	projectID string
}

// NewSecretManagerClient connects to Secret Manager and detects the project.
func NewSecretManagerClient(ctx context.Context, opts ...option.ClientOption) (*SecretManagerClient, error) {
	project, err := detectProject()
	if err != nil {
		return nil, err
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	return &SecretManagerClient{accessor: client, projectID: project}, nil
}

// detectProject returns the project named by the environment, or the one
// the metadata server reports.
func detectProject() (string, error) {
	for _, name := range projectEnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, nil
		}
	}
	project, err := metadata.NewClient(&http.Client{Timeout: 2 * time.Second}).ProjectID()
	if err != nil {
		return "", fmt.Errorf("no project in %s and metadata server unavailable: %w",
			strings.Join(projectEnvVars, ", "), err)
	}
	return project, nil
}

// FetchSecret returns the payload of the secret version ref names. ref is a
// full version name, a secret name under projects/, or a bare secret name;
// the latter two read the latest version. Payloads carrying a checksum are
// verified.
func (c *SecretManagerClient) FetchSecret(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, secretFetchTimeout)
	defer cancel()

	name := secretVersionName(c.projectID, ref)
	resp, err := c.accessor.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access %s: %w", name, err)
	}
	payload := resp.GetPayload()
	if payload == nil {
		return "", fmt.Errorf("secret %s has no payload", name)
	}
	if payload.DataCrc32C != nil && int64(crc32.Checksum(payload.Data, crc32c)) != *payload.DataCrc32C {
		return "", fmt.Errorf("secret %s failed checksum verification", name)
	}
	return string(payload.Data), nil
}

func secretVersionName(project, ref string) string {
	ref = strings.Trim(ref, "/")
	if strings.HasPrefix(ref, "projects/") {
		if strings.Contains(ref, "/versions/") {
			return ref
		}
		return ref + "/versions/latest"
	}
	return "projects/" + project + "/secrets/" + path.Base(ref) + "/versions/latest"
}

// Close closes the Secret Manager connection.
func (c *SecretManagerClient) Close() error {
	if c.accessor == nil {
		return nil
	}
	return c.accessor.Close()
}

// ResolveAPIKey returns the secret named by secretRef when it is set, and
// the value of envVar otherwise. An empty result is an error.
func ResolveAPIKey(ctx context.Context, fetcher SecretFetcher, secretRef, envVar string, getenv func(string) string) (string, error) {
	if secretRef != "" {
		if fetcher == nil {
			return "", fmt.Errorf("secret %q configured but Secret Manager is unavailable", secretRef)
		}
		value, err := fetcher.FetchSecret(ctx, secretRef)
		if err != nil {
			return "", fmt.Errorf("failed to fetch secret %q: %w", secretRef, err)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return "", fmt.Errorf("secret %q is empty", secretRef)
		}
		return value, nil
	}

	if envVar == "" {
		return "", errors.New("no secret reference or environment variable configured")
	}
	value := strings.TrimSpace(getenv(envVar))
	if value == "" {
		return "", fmt.Errorf("environment variable %s is not set", envVar)
	}
	return value, nil
}
