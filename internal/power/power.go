// Package power starts, stops and describes the compute instance hosting the
// game server.
package power

import "context"

type State string

const (
	Pending      State = "pending"
	Running      State = "running"
	Stopping     State = "stopping"
	Stopped      State = "stopped"
	ShuttingDown State = "shutting-down"
	Terminated   State = "terminated"
	Unknown      State = "unknown"
)

type Port interface {
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Describe(ctx context.Context, instanceID string) (State, error)
}
