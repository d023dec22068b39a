package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type namedClient struct{ name string }

func (c namedClient) Name() string { return c.name }
func (namedClient) Submit(context.Context, SpotRequest) (RequestID, error) { return "", nil }
func (namedClient) Poll(context.Context, RequestID) ([]InstanceDescriptor, error) {
	return nil, nil
}
func (namedClient) Cancel(context.Context, RequestID) error { return nil }
func (namedClient) Terminate(context.Context, string) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(namedClient{"vultr"})
	r.Register(namedClient{"ec2"})
	if got := strings.Join(r.Names(), ","); got != "ec2,vultr" {
		t.Errorf("names = %s", got)
	}
	if c, err := r.Get("ec2"); err != nil || c.Name() != "ec2" {
		t.Errorf("Get(ec2) = %v, %v", c, err)
	}
	if _, err := r.Get("azure"); err == nil {
		t.Error("unregistered provider returned")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := b.Delay(i); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i, got, w)
		}
	}

	b.Jitter = 0.25
	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("jittered delay %s out of range", d)
		}
	}
}

func TestBackoffSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := Backoff{InitialDelay: time.Hour}
	if err := b.Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep = %v", err)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(100)
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("5 calls at 100/s took %s", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewRateLimiter(0.001)
	_ = slow.Wait(context.Background())
	if err := slow.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled ctx = %v", err)
	}
}

func TestValidateRequest(t *testing.T) {
	ok := SpotRequest{Group: "g", InstanceType: "t3.micro", ImageID: "ami-1", Count: 1}
	if err := ValidateRequest(ok); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	tests := []struct {
		mutate func(*SpotRequest)
		field  string
	}{
		{func(r *SpotRequest) { r.Group = "" }, "group"},
		{func(r *SpotRequest) { r.Count = 0 }, "count"},
		{func(r *SpotRequest) { r.Count = 1001 }, "count"},
		{func(r *SpotRequest) { r.InstanceType = " " }, "instance_type"},
		{func(r *SpotRequest) { r.ImageID = "" }, "image"},
		{func(r *SpotRequest) { r.MaxDuration = -time.Second }, "max_duration"},
	}
	for _, tt := range tests {
		req := ok
		tt.mutate(&req)
		var verr ValidationError
		if err := ValidateRequest(req); !errors.As(err, &verr) || verr.Field != tt.field {
			t.Errorf("want %s error, got %v", tt.field, err)
		}
	}
}

func TestCloudInitUserData(t *testing.T) {
	ud := CloudInitUserData("", "ssh-ed25519 AAAA key\n", 90*time.Second)
	for _, want := range []string{"#cloud-config", "name: burst", "- ssh-ed25519 AAAA key\n", `"+2"`} {
		if !strings.Contains(ud, want) {
			t.Errorf("user data missing %q:\n%s", want, ud)
		}
	}
	if strings.Contains(CloudInitUserData("ops", "k", 0), "shutdown") {
		t.Error("zero max duration scheduled a shutdown")
	}
	if ShutdownScript(0) != "#!/bin/sh\n" {
		t.Errorf("ShutdownScript(0) = %q", ShutdownScript(0))
	}
}

func TestInstanceStateTerminal(t *testing.T) {
	if InstancePending.Terminal() {
		t.Error("pending is terminal")
	}
	for _, s := range []InstanceState{InstanceRunning, InstanceFailed, InstanceCancelled} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
}
