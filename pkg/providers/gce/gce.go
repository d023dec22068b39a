// Package gce creates preemptible Compute Engine instances.
//
// Compute Engine has no request object separate from its instances: a
// request handle is the zone and the names of the instances requested for
// it, and cancelling it is a no-op. Names whose insert failed carry a "!"
// prefix so they poll as failed slots.
package gce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/3cpo-dev/burst/pkg/providers"
)

type Config struct {
	Project string
	Zone    string
	// CredentialsFile is a service account key. Empty uses the application
	// default credentials.
	CredentialsFile string
	// Network defaults to the project's default network.
	Network string
	// SSHUser and SSHPublicKey are installed through the ssh-keys metadata.
	SSHUser      string
	SSHPublicKey string
	DiskSizeGb   int64
	// RequestsPerSecond throttles API calls. Zero uses a safe default.
	RequestsPerSecond float64
}

type Provider struct {
	cfg     Config
	svc     *compute.Service
	limiter *providers.RateLimiter

	mu sync.Mutex
	// insertErrs keeps why an instance name was never inserted.
	insertErrs map[string]string
}

// New connects to the Compute Engine API. Extra options are passed to the
// client, which tests use to point it at a fake endpoint.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Provider, error) {
	if cfg.Project == "" || cfg.Zone == "" {
		return nil, providers.ValidationError{Field: "project/zone", Value: cfg.Project + "/" + cfg.Zone, Message: "gce project and zone are required"}
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gce compute service: %w", err)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Provider{
		cfg:        cfg,
		svc:        svc,
		limiter:    providers.NewRateLimiter(rps),
		insertErrs: make(map[string]string),
	}, nil
}

func (p *Provider) Name() string { return "gce" }

// failedMark prefixes names in a request id whose insert failed.
const failedMark = "!"

// Submit inserts req.Count preemptible instances. Once an insert fails the
// remaining slots are not attempted and poll as failed; the request is only
// rejected when nothing was inserted.
func (p *Provider) Submit(ctx context.Context, req providers.SpotRequest) (providers.RequestID, error) {
	if err := providers.ValidateRequest(req); err != nil {
		return "", err
	}
	prefix := instancePrefix(req)
	names := make([]string, 0, req.Count)
	inserted := 0
	var insertErr error
	for i := 0; i < req.Count; i++ {
		name := fmt.Sprintf("%s-%d", prefix, i)
		if insertErr == nil {
			insertErr = p.insert(ctx, name, req)
			if insertErr == nil {
				names = append(names, name)
				inserted++
				continue
			}
			insertErr = fmt.Errorf("insert %s: %w", name, insertErr)
		}
		p.mu.Lock()
		p.insertErrs[name] = insertErr.Error()
		p.mu.Unlock()
		names = append(names, failedMark+name)
	}
	if inserted == 0 {
		return "", insertErr
	}
	if insertErr != nil {
		log.Warn().Err(insertErr).Str("group", req.Group).Int("requested", req.Count).Int("inserted", inserted).Msg("Preemptible instances partially inserted")
	}
	log.Debug().Str("group", req.Group).Strs("instances", names).Msg("Preemptible instances inserted")
	return providers.RequestID(p.cfg.Zone + "/" + strings.Join(names, ",")), nil
}

func (p *Provider) insert(ctx context.Context, name string, req providers.SpotRequest) error {
	prefix := "projects/" + p.cfg.Project
	network := p.cfg.Network
	if network == "" {
		network = prefix + "/global/networks/default"
	}
	image := req.ImageID
	if !strings.Contains(image, "/") {
		image = prefix + "/global/images/" + image
	}

	var items []*compute.MetadataItems
	if p.cfg.SSHPublicKey != "" {
		user := p.cfg.SSHUser
		if user == "" {
			user = "burst"
		}
		items = append(items, &compute.MetadataItems{
			Key:   "ssh-keys",
			Value: googleapi.String(user + ":" + strings.TrimSpace(p.cfg.SSHPublicKey)),
		})
	}
	if req.UserData != "" {
		items = append(items, &compute.MetadataItems{Key: "user-data", Value: googleapi.String(req.UserData)})
	}
	items = append(items, &compute.MetadataItems{
		Key:   "startup-script",
		Value: googleapi.String(providers.ShutdownScript(req.MaxDuration)),
	})

	instance := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, req.InstanceType),
		Disks: []*compute.AttachedDisk{{
			AutoDelete: true,
			Boot:       true,
			Type:       "PERSISTENT",
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: image,
				DiskSizeGb:  p.cfg.DiskSizeGb,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network:       network,
			AccessConfigs: []*compute.AccessConfig{{Name: "External NAT", Type: "ONE_TO_ONE_NAT"}},
		}},
		Metadata: &compute.Metadata{Items: items},
		Labels:   labels(req.Tags),
		Scheduling: &compute.Scheduling{
			AutomaticRestart:  googleapi.Bool(false),
			OnHostMaintenance: "TERMINATE",
			Preemptible:       true,
		},
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.svc.Instances.Insert(p.cfg.Project, p.cfg.Zone, instance).Context(ctx).Do()
	return err
}

// Poll reports one slot per inserted instance.
func (p *Provider) Poll(ctx context.Context, id providers.RequestID) ([]providers.InstanceDescriptor, error) {
	zone, names, err := parseID(id)
	if err != nil {
		return nil, err
	}
	descs := make([]providers.InstanceDescriptor, 0, len(names))
	for _, name := range names {
		if failed, ok := strings.CutPrefix(name, failedMark); ok {
			descs = append(descs, p.failedSlot(failed))
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		d := providers.InstanceDescriptor{Slot: name, InstanceID: name, State: providers.InstancePending}
		inst, err := p.svc.Instances.Get(p.cfg.Project, zone, name).Context(ctx).Do()
		switch {
		case isNotFound(err):
			// Inserted but not visible yet.
		case err != nil:
			return nil, fmt.Errorf("get instance %s: %w", name, err)
		default:
			describe(inst, &d)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (p *Provider) failedSlot(name string) providers.InstanceDescriptor {
	p.mu.Lock()
	reason, ok := p.insertErrs[name]
	p.mu.Unlock()
	if !ok {
		reason = "insert failed"
	}
	return providers.InstanceDescriptor{Slot: name, State: providers.InstanceFailed, Reason: reason}
}

func describe(inst *compute.Instance, d *providers.InstanceDescriptor) {
	d.InstanceType = inst.MachineType[strings.LastIndex(inst.MachineType, "/")+1:]
	for _, ni := range inst.NetworkInterfaces {
		if d.PrivateIP == "" {
			d.PrivateIP = ni.NetworkIP
		}
		for _, ac := range ni.AccessConfigs {
			if d.PublicIP == "" && ac.NatIP != "" {
				d.PublicIP = ac.NatIP
			}
		}
	}
	switch inst.Status {
	case "PROVISIONING", "STAGING":
		d.State = providers.InstancePending
	case "RUNNING":
		d.State = providers.InstanceRunning
	default:
		d.State = providers.InstanceFailed
		d.Reason = strings.ToLower(inst.Status)
		if inst.StatusMessage != "" {
			d.Reason += ": " + inst.StatusMessage
		}
	}
}

// Cancel is a no-op: instances are terminated individually.
func (p *Provider) Cancel(ctx context.Context, id providers.RequestID) error {
	_, _, err := parseID(id)
	return err
}

// Terminate deletes an instance in the configured zone. A missing instance
// counts as deleted.
func (p *Provider) Terminate(ctx context.Context, instanceID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.svc.Instances.Delete(p.cfg.Project, p.cfg.Zone, instanceID).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete instance %s: %w", instanceID, err)
	}
	return nil
}

func parseID(id providers.RequestID) (string, []string, error) {
	zone, list, ok := strings.Cut(string(id), "/")
	if !ok || zone == "" || list == "" {
		return "", nil, fmt.Errorf("malformed gce request id %q", id)
	}
	return zone, strings.Split(list, ","), nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

func sanitize(s string) string {
	s = invalidName.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// instancePrefix derives a unique, valid instance name prefix for req. The
// sanitized group name is for humans; the short digest of the raw name keeps
// groups apart that sanitize to the same string.
func instancePrefix(req providers.SpotRequest) string {
	run := sanitize(req.Tags["burst-run"])
	if run == "" {
		run = uuid.NewString()
	}
	if len(run) > 8 {
		run = run[:8]
	}
	group := sanitize(req.Group)
	if len(group) > 30 {
		group = strings.TrimRight(group[:30], "-")
	}
	digest := uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.Group)).String()[:6]
	parts := []string{"burst", strings.Trim(run, "-")}
	if group != "" {
		parts = append(parts, group)
	}
	return strings.Join(append(parts, digest), "-")
}

func labels(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		k = strings.ReplaceAll(sanitize(k), "-", "_")
		if k == "" {
			continue
		}
		v = sanitize(v)
		if len(v) > 63 {
			v = v[:63]
		}
		out[k] = v
	}
	return out
}
