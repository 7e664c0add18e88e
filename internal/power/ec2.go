package power

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// EC2 drives an instance through the EC2 API.
type EC2 struct {
	client *ec2.Client
}

func NewEC2(ctx context.Context, region string) (*EC2, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &EC2{client: ec2.NewFromConfig(cfg)}, nil
}

func (e *EC2) Start(ctx context.Context, instanceID string) error {
	_, err := e.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("start instance %s: %w", instanceID, err)
	}
	return nil
}

func (e *EC2) Stop(ctx context.Context, instanceID string) error {
	_, err := e.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	return nil
}

func (e *EC2) Describe(ctx context.Context, instanceID string) (State, error) {
	out, err := e.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return Unknown, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != instanceID || inst.State == nil {
				continue
			}
			return State(inst.State.Name), nil
		}
	}
	return Unknown, fmt.Errorf("instance %s not found", instanceID)
}
