package docker

import (
	"context"

	"github.com/reedfamily/gamewarden/internal/power"
)

// Power treats a container as the game instance; the instance id is the
// container name.
type Power struct {
	client *Client
}

func NewPower(c *Client) *Power {
	return &Power{client: c}
}

func (p *Power) Start(ctx context.Context, id string) error {
	return p.client.StartContainer(ctx, id)
}

func (p *Power) Stop(ctx context.Context, id string) error {
	return p.client.StopContainer(ctx, id)
}

func (p *Power) Describe(ctx context.Context, id string) (power.State, error) {
	status, err := p.client.ContainerStatus(ctx, id)
	if err != nil {
		return power.Unknown, err
	}
	return containerState(status), nil
}

func containerState(status string) power.State {
	switch status {
	case "running", "paused":
		return power.Running
	case "created", "exited", "dead":
		return power.Stopped
	case "restarting":
		return power.Pending
	case "removing":
		return power.Stopping
	default:
		return power.Unknown
	}
}
