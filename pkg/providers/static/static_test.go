package static

import (
	"context"
	"testing"

	"github.com/3cpo-dev/burst/pkg/providers"
)

func pool() *Provider {
	return New([]Host{
		{Name: "a", IP: "10.0.0.1"},
		{Name: "b", IP: "10.0.0.2", Port: 2222},
		{Name: "gpu", IP: "10.0.0.3", Type: "gpu"},
	})
}

func TestSubmitAllocatesHosts(t *testing.T) {
	p := pool()
	ctx := context.Background()
	id, err := p.Submit(ctx, providers.SpotRequest{Group: "w", InstanceType: "small", ImageID: "any", Count: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	descs, err := p.Poll(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 2 || descs[0].InstanceID != "a" || descs[1].InstanceID != "b" {
		t.Fatalf("allocated %+v", descs)
	}
	if descs[1].PublicIP != "10.0.0.2:2222" || descs[0].PublicIP != "10.0.0.1" {
		t.Errorf("addresses %s %s", descs[0].PublicIP, descs[1].PublicIP)
	}
	if p.Free() != 1 {
		t.Errorf("free = %d", p.Free())
	}
}

func TestSubmitReportsShortfall(t *testing.T) {
	p := pool()
	ctx := context.Background()
	id, err := p.Submit(ctx, providers.SpotRequest{Group: "g", InstanceType: "gpu", ImageID: "any", Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	descs, _ := p.Poll(ctx, id)
	states := []providers.InstanceState{descs[0].State, descs[1].State, descs[2].State}
	// a and b are untyped and match any request.
	want := []providers.InstanceState{providers.InstanceRunning, providers.InstanceRunning, providers.InstanceRunning}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states %v", states)
		}
	}

	id2, _ := p.Submit(ctx, providers.SpotRequest{Group: "h", InstanceType: "gpu", ImageID: "any", Count: 1})
	descs, _ = p.Poll(ctx, id2)
	if descs[0].State != providers.InstanceFailed || descs[0].Reason == "" {
		t.Errorf("exhausted pool gave %+v", descs[0])
	}
}

func TestTerminateReleasesHost(t *testing.T) {
	p := pool()
	ctx := context.Background()
	id, _ := p.Submit(ctx, providers.SpotRequest{Group: "w", InstanceType: "small", ImageID: "any", Count: 2})
	if err := p.Terminate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Terminate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if p.Free() != 2 {
		t.Errorf("free = %d", p.Free())
	}
	descs, _ := p.Poll(ctx, id)
	if descs[0].State != providers.InstanceCancelled {
		t.Errorf("terminated slot %s", descs[0].State)
	}
	if _, err := p.Poll(ctx, "static-99"); err == nil {
		t.Error("unknown request accepted")
	}
}
