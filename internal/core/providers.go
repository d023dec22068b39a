package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/3cpo-dev/burst/pkg/providers"
	"github.com/3cpo-dev/burst/pkg/providers/ec2"
	"github.com/3cpo-dev/burst/pkg/providers/gce"
	"github.com/3cpo-dev/burst/pkg/providers/static"
	"github.com/3cpo-dev/burst/pkg/providers/vultr"
)

// NewRegistry builds a client for every provider section that carries
// enough configuration to work. sshPublicKey is installed on GCE instances
// through metadata; the other providers receive it as cloud-init user data.
func NewRegistry(ctx context.Context, cfg Config, sshPublicKey string, gceOpts ...option.ClientOption) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	var errs []error

	if c := cfg.Providers.EC2; c.Region != "" {
		p, err := ec2.New(ec2.Config{
			AccessKeyID:      c.AccessKeyID,
			SecretAccessKey:  c.SecretAccessKey,
			Region:           c.Region,
			KeyPairName:      c.KeyPair,
			SecurityGroupIDs: c.SecurityGroups,
			SubnetID:         c.Subnet,
			SpotPrice:        c.SpotPrice,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("ec2: %w", err))
		} else {
			reg.Register(p)
		}
	}
	if c := cfg.Providers.GCE; c.Project != "" {
		p, err := gce.New(ctx, gce.Config{
			Project:         c.Project,
			Zone:            c.Zone,
			CredentialsFile: c.CredentialsFile,
			Network:         c.Network,
			SSHUser:         cfg.SSH.User,
			SSHPublicKey:    sshPublicKey,
		}, gceOpts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("gce: %w", err))
		} else {
			reg.Register(p)
		}
	}
	if c := cfg.Providers.Vultr; c.Token != "" {
		p, err := vultr.New(vultr.Config{Token: c.Token, Region: c.Region})
		if err != nil {
			errs = append(errs, fmt.Errorf("vultr: %w", err))
		} else {
			reg.Register(p)
		}
	}
	if hosts := cfg.Providers.Static.Hosts; len(hosts) > 0 {
		reg.Register(static.New(hosts))
	}
	log.Debug().Strs("providers", reg.Names()).Msg("Providers configured")
	return reg, errors.Join(errs...)
}

// UserData returns the boot configuration for instances of the named
// provider. Static hosts already exist and get none.
func UserData(provider, user, sshPublicKey string, maxDuration time.Duration) string {
	if provider == "static" {
		return ""
	}
	return providers.CloudInitUserData(user, sshPublicKey, maxDuration)
}
