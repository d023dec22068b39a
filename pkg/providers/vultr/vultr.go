// Package vultr creates Vultr cloud compute instances. Vultr has no spot
// market, so every request is fulfilled at list price and a request handle is
// just the ids of the instances it created.
package vultr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/burst/pkg/providers"
)

const defaultAPI = "https://api.vultr.com/v2"

type Config struct {
	Token  string
	Region string
	// BaseURL overrides the public API endpoint.
	BaseURL           string
	RequestsPerSecond float64
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
}

type Provider struct {
	cfg     Config
	base    string
	http    *retryablehttp.Client
	limiter *providers.RateLimiter
}

func New(cfg Config) (*Provider, error) {
	if cfg.Token == "" {
		return nil, providers.ValidationError{Field: "token", Message: "vultr token missing; set providers.vultr.token or BURST_VULTR_TOKEN"}
	}
	if cfg.Region == "" {
		return nil, providers.ValidationError{Field: "region", Message: "vultr region is required"}
	}
	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{log.With().Str("provider", "vultr").Logger()}
	client.HTTPClient.Timeout = 30 * time.Second
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultAPI
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		// Vultr allows 30 requests per second per key.
		rps = 20
	}
	return &Provider{cfg: cfg, base: base, http: client, limiter: providers.NewRateLimiter(rps)}, nil
}

func (p *Provider) Name() string { return "vultr" }

type instance struct {
	ID     string   `json:"id"`
	Label  string   `json:"label"`
	MainIP string   `json:"main_ip"`
	V4Int  string   `json:"internal_ip"`
	Plan   string   `json:"plan"`
	Status string   `json:"status"`
	Power  string   `json:"power_status"`
	Tags   []string `json:"tags"`
}

type createRequest struct {
	Region     string   `json:"region"`
	Plan       string   `json:"plan"`
	OSID       int      `json:"os_id,omitempty"`
	SnapshotID string   `json:"snapshot_id,omitempty"`
	Label      string   `json:"label"`
	UserData   string   `json:"user_data,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type instanceResponse struct {
	Instance instance `json:"instance"`
}

// apiError is a non-2xx answer from the API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vultr api status %d: %s", e.Status, e.Body)
}

func isNotFound(err error) bool {
	var aerr *apiError
	return errors.As(err, &aerr) && aerr.Status == http.StatusNotFound
}

// Submit creates req.Count instances. A numeric image is an OS id, anything
// else a snapshot id. If any create fails the instances already created are
// destroyed again.
func (p *Provider) Submit(ctx context.Context, req providers.SpotRequest) (providers.RequestID, error) {
	if err := providers.ValidateRequest(req); err != nil {
		return "", err
	}
	payload := createRequest{Region: p.cfg.Region, Plan: req.InstanceType, Tags: tagList(req.Tags)}
	if id, err := strconv.Atoi(req.ImageID); err == nil {
		payload.OSID = id
	} else {
		payload.SnapshotID = req.ImageID
	}
	userData := req.UserData
	if userData == "" {
		userData = providers.ShutdownScript(req.MaxDuration)
	}
	payload.UserData = base64.StdEncoding.EncodeToString([]byte(userData))

	var ids []string
	for i := 0; i < req.Count; i++ {
		payload.Label = fmt.Sprintf("%s-%d", req.Group, i+1)
		if run := req.Tags["burst-run"]; len(run) >= 8 {
			payload.Label = fmt.Sprintf("burst-%s-%s-%d", run[:8], req.Group, i+1)
		}
		var created instanceResponse
		if err := p.doJSON(ctx, http.MethodPost, "/instances", payload, &created); err != nil {
			p.rollback(ids)
			return "", fmt.Errorf("create instance: %w", err)
		}
		ids = append(ids, created.Instance.ID)
	}
	log.Debug().Str("group", req.Group).Strs("instances", ids).Msg("Vultr instances created")
	return providers.RequestID(strings.Join(ids, ",")), nil
}

func (p *Provider) rollback(ids []string) {
	for _, id := range ids {
		if err := p.Terminate(context.Background(), id); err != nil {
			log.Error().Err(err).Str("instance", id).Msg("Could not destroy instance after failed submit")
		}
	}
}

// Poll reports one slot per created instance.
func (p *Provider) Poll(ctx context.Context, id providers.RequestID) ([]providers.InstanceDescriptor, error) {
	ids := strings.Split(string(id), ",")
	descs := make([]providers.InstanceDescriptor, 0, len(ids))
	for _, iid := range ids {
		d := providers.InstanceDescriptor{Slot: iid, InstanceID: iid, State: providers.InstancePending}
		var cur instanceResponse
		err := p.doJSON(ctx, http.MethodGet, "/instances/"+iid, nil, &cur)
		switch {
		case isNotFound(err):
			d.State = providers.InstanceFailed
			d.Reason = "instance no longer exists"
		case err != nil:
			return nil, fmt.Errorf("get instance %s: %w", iid, err)
		default:
			inst := cur.Instance
			d.InstanceType = inst.Plan
			d.PrivateIP = inst.V4Int
			if inst.MainIP != "0.0.0.0" {
				d.PublicIP = inst.MainIP
			}
			switch {
			case inst.Status == "active" && inst.Power == "running" && d.PublicIP != "":
				d.State = providers.InstanceRunning
			case inst.Status == "suspended" || inst.Status == "closed":
				d.State = providers.InstanceFailed
				d.Reason = "instance " + inst.Status
			}
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// Cancel is a no-op: every create is fulfilled immediately.
func (p *Provider) Cancel(ctx context.Context, id providers.RequestID) error {
	return nil
}

func (p *Provider) Terminate(ctx context.Context, instanceID string) error {
	err := p.doJSON(ctx, http.MethodDelete, "/instances/"+instanceID, nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete instance %s: %w", instanceID, err)
	}
	return nil
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(buf)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func tagList(tags map[string]string) []string {
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// leveledLogger routes retryablehttp's logging through zerolog.
type leveledLogger struct{ l zerolog.Logger }

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{}) { z.l.Warn().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Trace().Fields(kv).Msg(msg) }
