package gce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// fakeCompute serves the instances collection of one zone.
type fakeCompute struct {
	mu        sync.Mutex
	instances map[string]*compute.Instance
	inserted  []*compute.Instance
	deleted   []string
	// failAfter rejects inserts once this many succeeded; negative rejects all.
	failAfter int
}

func (f *fakeCompute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	const collection = "/projects/proj/zones/us-central1-a/instances"
	i := strings.Index(r.URL.Path, collection)
	if i < 0 {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path[i+len(collection):], "/")
	switch {
	case r.Method == http.MethodPost && name == "":
		if f.failAfter != 0 && len(f.inserted) >= f.failAfter {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota exceeded"}}`))
			return
		}
		var inst compute.Instance
		if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.inserted = append(f.inserted, &inst)
		_ = json.NewEncoder(w).Encode(&compute.Operation{Name: "op-" + inst.Name, Status: "RUNNING"})
	case r.Method == http.MethodGet:
		inst, ok := f.instances[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(inst)
	case r.Method == http.MethodDelete:
		f.deleted = append(f.deleted, name)
		if _, ok := f.instances[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
			return
		}
		delete(f.instances, name)
		_ = json.NewEncoder(w).Encode(&compute.Operation{Name: "op-delete", Status: "RUNNING"})
	default:
		http.Error(w, "unexpected request", http.StatusMethodNotAllowed)
	}
}

func newTestProvider(t *testing.T, f *fakeCompute) *Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	p, err := New(context.Background(), Config{
		Project:           "proj",
		Zone:              "us-central1-a",
		SSHUser:           "burst",
		SSHPublicKey:      "ssh-ed25519 AAAA test\n",
		RequestsPerSecond: 1000,
	}, option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSubmitInsertsPreemptibleInstances(t *testing.T) {
	f := &fakeCompute{instances: map[string]*compute.Instance{}}
	p := newTestProvider(t, f)

	id, err := p.Submit(context.Background(), providers.SpotRequest{
		Group:        "Load_Gen",
		InstanceType: "e2-small",
		ImageID:      "debian-12",
		Count:        2,
		MaxDuration:  30 * time.Minute,
		Tags:         map[string]string{"burst-run": "3f2a9c1e-0000-4000-8000-000000000000", "burst-fleet": "Ping Test"},
		UserData:     "#cloud-config\n",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := "us-central1-a/burst-3f2a9c1e-load-gen-8cb2c5-0,burst-3f2a9c1e-load-gen-8cb2c5-1"
	if string(id) != want {
		t.Errorf("request id = %q, want %q", id, want)
	}
	if len(f.inserted) != 2 {
		t.Fatalf("%d inserts", len(f.inserted))
	}
	inst := f.inserted[0]
	if inst.Scheduling == nil || !inst.Scheduling.Preemptible {
		t.Error("instance is not preemptible")
	}
	if inst.MachineType != "zones/us-central1-a/machineTypes/e2-small" {
		t.Errorf("machine type = %q", inst.MachineType)
	}
	if src := inst.Disks[0].InitializeParams.SourceImage; src != "projects/proj/global/images/debian-12" {
		t.Errorf("source image = %q", src)
	}
	if inst.Labels["burst_fleet"] != "ping-test" {
		t.Errorf("labels = %v", inst.Labels)
	}
	meta := map[string]string{}
	for _, item := range inst.Metadata.Items {
		meta[item.Key] = *item.Value
	}
	if meta["ssh-keys"] != "burst:ssh-ed25519 AAAA test" {
		t.Errorf("ssh-keys = %q", meta["ssh-keys"])
	}
	if meta["user-data"] != "#cloud-config\n" {
		t.Errorf("user-data = %q", meta["user-data"])
	}
	if !strings.Contains(meta["startup-script"], "shutdown -P +30") {
		t.Errorf("startup-script = %q", meta["startup-script"])
	}
}

func TestSubmitKeepsPartialInserts(t *testing.T) {
	f := &fakeCompute{instances: map[string]*compute.Instance{}, failAfter: 1}
	p := newTestProvider(t, f)
	req := providers.SpotRequest{Group: "g", InstanceType: "e2-small", ImageID: "debian-12", Count: 3}
	id, err := p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(f.inserted) != 1 || len(f.deleted) != 0 {
		t.Fatalf("inserted %d, deleted %v", len(f.inserted), f.deleted)
	}
	descs, err := p.Poll(context.Background(), id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("got %d slots, want 3", len(descs))
	}
	if descs[0].State != providers.InstancePending || descs[0].InstanceID == "" {
		t.Errorf("inserted slot %+v", descs[0])
	}
	for _, d := range descs[1:] {
		if d.State != providers.InstanceFailed || d.InstanceID != "" || !strings.Contains(d.Reason, "quota exceeded") {
			t.Errorf("failed slot %+v", d)
		}
	}
	if err := p.Cancel(context.Background(), id); err != nil {
		t.Errorf("Cancel: %v", err)
	}
}

func TestSubmitRejectsWhenNothingInserted(t *testing.T) {
	f := &fakeCompute{instances: map[string]*compute.Instance{}, failAfter: -1}
	p := newTestProvider(t, f)
	_, err := p.Submit(context.Background(), providers.SpotRequest{
		Group: "g", InstanceType: "e2-small", ImageID: "debian-12", Count: 2,
	})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("got %v", err)
	}
}

func TestInstancePrefixKeepsGroupsApart(t *testing.T) {
	tags := map[string]string{"burst-run": "0123abcd-0000-4000-8000-000000000000"}
	pairs := [][2]string{
		{"web.a", "web_a"},
		{"Server", "server"},
		{"loadgen-region-one-workers-0001", "loadgen-region-one-workers-0002"},
	}
	valid := regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)
	for _, pair := range pairs {
		a := instancePrefix(providers.SpotRequest{Group: pair[0], Tags: tags})
		b := instancePrefix(providers.SpotRequest{Group: pair[1], Tags: tags})
		if a == b {
			t.Errorf("%q and %q share prefix %q", pair[0], pair[1], a)
		}
		for _, prefix := range []string{a, b} {
			if name := prefix + "-99"; len(name) > 63 || !valid.MatchString(name) {
				t.Errorf("invalid instance name %q", name)
			}
		}
	}
	if got := instancePrefix(providers.SpotRequest{Group: "Server", Tags: tags}); got != "burst-0123abcd-server-701d77" {
		t.Errorf("prefix = %q", got)
	}
	if got := instancePrefix(providers.SpotRequest{Group: "...", Tags: tags}); !valid.MatchString(got) {
		t.Errorf("prefix for unnamed group %q", got)
	}
}

func TestPoll(t *testing.T) {
	f := &fakeCompute{instances: map[string]*compute.Instance{
		"a": {
			Name:        "a",
			Status:      "RUNNING",
			MachineType: "https://www.googleapis.com/compute/v1/projects/proj/zones/us-central1-a/machineTypes/e2-small",
			NetworkInterfaces: []*compute.NetworkInterface{{
				NetworkIP:     "10.128.0.2",
				AccessConfigs: []*compute.AccessConfig{{NatIP: "34.1.2.3"}},
			}},
		},
		"b": {Name: "b", Status: "STAGING", MachineType: "zones/z/machineTypes/e2-small"},
		"c": {Name: "c", Status: "TERMINATED", StatusMessage: "preempted", MachineType: "zones/z/machineTypes/e2-small"},
	}}
	p := newTestProvider(t, f)

	descs, err := p.Poll(context.Background(), "us-central1-a/a,b,c,d")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	want := []providers.InstanceState{providers.InstanceRunning, providers.InstancePending, providers.InstanceFailed, providers.InstancePending}
	if len(descs) != len(want) {
		t.Fatalf("got %d descriptors", len(descs))
	}
	for i, w := range want {
		if descs[i].State != w {
			t.Errorf("%s: state %s, want %s", descs[i].Slot, descs[i].State, w)
		}
	}
	if descs[0].PrivateIP != "10.128.0.2" || descs[0].PublicIP != "34.1.2.3" || descs[0].InstanceType != "e2-small" {
		t.Errorf("running descriptor %+v", descs[0])
	}
	if descs[2].Reason != "terminated: preempted" {
		t.Errorf("reason = %q", descs[2].Reason)
	}

	if _, err := p.Poll(context.Background(), "no-zone"); err == nil {
		t.Error("malformed id accepted")
	}
}

func TestTerminateIgnoresMissing(t *testing.T) {
	f := &fakeCompute{instances: map[string]*compute.Instance{"a": {Name: "a"}}}
	p := newTestProvider(t, f)
	for _, name := range []string{"a", "a"} {
		if err := p.Terminate(context.Background(), name); err != nil {
			t.Errorf("Terminate(%s): %v", name, err)
		}
	}
	if len(f.instances) != 0 {
		t.Error("instance not deleted")
	}
	if err := p.Cancel(context.Background(), "us-central1-a/a"); err != nil {
		t.Errorf("Cancel: %v", err)
	}
}
