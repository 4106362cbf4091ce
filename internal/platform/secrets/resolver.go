package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

var clientFactory = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves secret://name[?version=N&project=P] references against Secret Manager
// and caches each resolved version for the life of the process.
type Resolver struct {
	project    string
	logger     *zap.Logger
	clientOpts []option.ClientOption

	mu     sync.Mutex
	client secretManagerClient
	cache  map[string]string
}

// Option customises a Resolver.
type Option func(*Resolver)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(r *Resolver) { r.clientOpts = append(r.clientOpts, opts...) }
}

// WithClient injects a pre-built Secret Manager client.
func WithClient(client secretManagerClient) Option {
	return func(r *Resolver) { r.client = client }
}

// NewResolver builds a resolver for defaultProject. The client is dialled on first use.
func NewResolver(defaultProject string, opts ...Option) *Resolver {
	r := &Resolver{
		project: strings.TrimSpace(defaultProject),
		logger:  zap.NewNop(),
		cache:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveSecret returns the payload of the referenced secret version.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	resource, err := r.resourceName(ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if value, ok := r.cache[resource]; ok {
		return value, nil
	}
	if r.client == nil {
		client, err := clientFactory(ctx, r.clientOpts...)
		if err != nil {
			return "", fmt.Errorf("secrets: create client: %w", err)
		}
		r.client = client
	}

	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		r.logger.Warn("secret access failed", zap.String("resource", mask(resource)), zap.Error(err))
		return "", fmt.Errorf("secrets: access %s: %w", mask(resource), err)
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", mask(resource))
	}
	value := string(resp.GetPayload().GetData())
	r.cache[resource] = value
	return value, nil
}

// Close releases the underlying client.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Resolver) resourceName(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return "", fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return "", errors.New("secrets: missing secret name")
	}
	query := u.Query()
	project := strings.TrimSpace(query.Get("project"))
	if project == "" {
		project = r.project
	}
	if project == "" {
		return "", fmt.Errorf("secrets: no project for secret %s", name)
	}
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version), nil
}

func mask(resource string) string {
	if i := strings.Index(resource, "/secrets/"); i >= 0 {
		return "projects/***" + resource[i:]
	}
	return resource
}
