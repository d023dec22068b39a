// Package ec2 requests one-time EC2 spot instances.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// Config selects the account, region and network the instances land in.
type Config struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	KeyPairName      string
	SecurityGroupIDs []string
	SubnetID         string
	// SpotPrice caps the hourly price. Empty means the on-demand price.
	SpotPrice string
	// RequestsPerSecond throttles API calls. Zero uses a safe default.
	RequestsPerSecond float64
}

// ec2API is the part of the EC2 client this provider uses.
type ec2API interface {
	RequestSpotInstancesWithContext(aws.Context, *ec2.RequestSpotInstancesInput, ...request.Option) (*ec2.RequestSpotInstancesOutput, error)
	DescribeSpotInstanceRequestsWithContext(aws.Context, *ec2.DescribeSpotInstanceRequestsInput, ...request.Option) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	DescribeInstancesWithContext(aws.Context, *ec2.DescribeInstancesInput, ...request.Option) (*ec2.DescribeInstancesOutput, error)
	CancelSpotInstanceRequestsWithContext(aws.Context, *ec2.CancelSpotInstanceRequestsInput, ...request.Option) (*ec2.CancelSpotInstanceRequestsOutput, error)
	TerminateInstancesWithContext(aws.Context, *ec2.TerminateInstancesInput, ...request.Option) (*ec2.TerminateInstancesOutput, error)
}

type Provider struct {
	cfg     Config
	client  ec2API
	limiter *providers.RateLimiter
	now     func() time.Time
}

// New returns a provider using static credentials when they are set and
// the default AWS credential chain otherwise.
func New(cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, providers.ValidationError{Field: "region", Message: "ec2 region is required"}
	}
	awsConfig := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return newWithAPI(cfg, ec2.New(sess)), nil
}

func newWithAPI(cfg Config, client ec2API) *Provider {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Provider{cfg: cfg, client: client, limiter: providers.NewRateLimiter(rps), now: time.Now}
}

func (p *Provider) Name() string { return "ec2" }

// Submit places one one-time spot request for req.Count instances. The
// request stops being fulfillable after req.MaxDuration.
func (p *Provider) Submit(ctx context.Context, req providers.SpotRequest) (providers.RequestID, error) {
	if err := providers.ValidateRequest(req); err != nil {
		return "", err
	}
	spec := &ec2.RequestSpotLaunchSpecification{
		ImageId:      aws.String(req.ImageID),
		InstanceType: aws.String(req.InstanceType),
	}
	if p.cfg.KeyPairName != "" {
		spec.KeyName = aws.String(p.cfg.KeyPairName)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		spec.SecurityGroupIds = aws.StringSlice(p.cfg.SecurityGroupIDs)
	}
	if p.cfg.SubnetID != "" {
		spec.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if req.UserData != "" {
		spec.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(req.UserData)))
	}

	input := &ec2.RequestSpotInstancesInput{
		InstanceCount:                aws.Int64(int64(req.Count)),
		Type:                         aws.String(ec2.SpotInstanceTypeOneTime),
		InstanceInterruptionBehavior: aws.String(ec2.InstanceInterruptionBehaviorTerminate),
		LaunchSpecification:          spec,
	}
	if req.MaxDuration > 0 {
		input.ValidUntil = aws.Time(p.now().Add(req.MaxDuration))
	}
	if p.cfg.SpotPrice != "" {
		input.SpotPrice = aws.String(p.cfg.SpotPrice)
	}
	if tags := ec2Tags(req.Tags); len(tags) > 0 {
		input.TagSpecifications = []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeSpotInstancesRequest),
			Tags:         tags,
		}}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	out, err := p.client.RequestSpotInstancesWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("request spot instances: %w", err)
	}
	ids := make([]string, 0, len(out.SpotInstanceRequests))
	for _, sir := range out.SpotInstanceRequests {
		ids = append(ids, aws.StringValue(sir.SpotInstanceRequestId))
	}
	if len(ids) == 0 {
		return "", errors.New("request spot instances: no request ids returned")
	}
	log.Debug().Str("group", req.Group).Strs("requests", ids).Msg("Spot requests placed")
	return providers.RequestID(strings.Join(ids, ",")), nil
}

// Poll reports one slot per spot instance request.
func (p *Provider) Poll(ctx context.Context, id providers.RequestID) ([]providers.InstanceDescriptor, error) {
	ids := splitID(id)
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := p.client.DescribeSpotInstanceRequestsWithContext(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: aws.StringSlice(ids),
	})
	if err != nil {
		return nil, fmt.Errorf("describe spot requests: %w", err)
	}

	var instanceIDs []string
	for _, sir := range out.SpotInstanceRequests {
		if sir.InstanceId != nil {
			instanceIDs = append(instanceIDs, *sir.InstanceId)
		}
	}
	instances, err := p.describeInstances(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}

	descs := make([]providers.InstanceDescriptor, 0, len(out.SpotInstanceRequests))
	for _, sir := range out.SpotInstanceRequests {
		descs = append(descs, describe(sir, instances))
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Slot < descs[j].Slot })
	return descs, nil
}

func (p *Provider) describeInstances(ctx context.Context, ids []string) (map[string]*ec2.Instance, error) {
	instances := make(map[string]*ec2.Instance)
	if len(ids) == 0 {
		return instances, nil
	}
	input := &ec2.DescribeInstancesInput{InstanceIds: aws.StringSlice(ids)}
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := p.client.DescribeInstancesWithContext(ctx, input)
		if isCode(err, "InvalidInstanceID.NotFound") {
			// Fulfilled requests can name an instance before it is visible.
			return instances, nil
		}
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, rsv := range out.Reservations {
			for _, inst := range rsv.Instances {
				instances[aws.StringValue(inst.InstanceId)] = inst
			}
		}
		if out.NextToken == nil {
			return instances, nil
		}
		input.NextToken = out.NextToken
	}
}

func describe(sir *ec2.SpotInstanceRequest, instances map[string]*ec2.Instance) providers.InstanceDescriptor {
	d := providers.InstanceDescriptor{
		Slot:       aws.StringValue(sir.SpotInstanceRequestId),
		InstanceID: aws.StringValue(sir.InstanceId),
		State:      providers.InstancePending,
	}
	if sir.Status != nil {
		d.Reason = aws.StringValue(sir.Status.Code)
		if msg := aws.StringValue(sir.Status.Message); msg != "" {
			d.Reason += ": " + msg
		}
	}
	if sir.LaunchSpecification != nil {
		d.InstanceType = aws.StringValue(sir.LaunchSpecification.InstanceType)
	}

	if d.InstanceID != "" {
		inst, ok := instances[d.InstanceID]
		if !ok {
			return d
		}
		d.InstanceType = aws.StringValue(inst.InstanceType)
		d.PrivateIP = aws.StringValue(inst.PrivateIpAddress)
		d.PublicIP = aws.StringValue(inst.PublicIpAddress)
		d.PublicDNS = aws.StringValue(inst.PublicDnsName)
		state := ""
		if inst.State != nil {
			state = aws.StringValue(inst.State.Name)
		}
		switch state {
		case ec2.InstanceStateNameRunning:
			d.State = providers.InstanceRunning
		case ec2.InstanceStateNamePending, "":
			d.State = providers.InstancePending
		default:
			d.State = providers.InstanceFailed
			d.Reason = "instance " + state
		}
		return d
	}

	switch aws.StringValue(sir.State) {
	case ec2.SpotInstanceStateFailed:
		d.State = providers.InstanceFailed
	case ec2.SpotInstanceStateCancelled, ec2.SpotInstanceStateClosed:
		d.State = providers.InstanceCancelled
	}
	return d
}

// Cancel cancels every spot request behind id. Requests that are already
// gone count as cancelled.
func (p *Provider) Cancel(ctx context.Context, id providers.RequestID) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.client.CancelSpotInstanceRequestsWithContext(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: aws.StringSlice(splitID(id)),
	})
	if err != nil && !isCode(err, "InvalidSpotInstanceRequestID.NotFound") {
		return fmt.Errorf("cancel spot requests: %w", err)
	}
	return nil
}

// Terminate terminates one instance. An unknown instance counts as
// terminated.
func (p *Provider) Terminate(ctx context.Context, instanceID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil && !isCode(err, "InvalidInstanceID.NotFound") {
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	return nil
}

func ec2Tags(tags map[string]string) []*ec2.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*ec2.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, &ec2.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func splitID(id providers.RequestID) []string {
	return strings.Split(string(id), ",")
}

func isCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}
