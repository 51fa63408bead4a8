package service

import (
	"context"

	"github.com/EpicMandM/vmsnap/internal/agent"
)

// SnapshotDriver abstracts the hypervisor side of snapshot commands for testability.
type SnapshotDriver interface {
	agent.Transport
	Close(ctx context.Context) error
}

// PowerDriver abstracts VM power operations for testability.
type PowerDriver interface {
	PowerOn(ctx context.Context, instanceName string) (hostName string, err error)
	PowerOff(ctx context.Context, instanceName string) error
}

var (
	_ SnapshotDriver = (*VMwareService)(nil)
	_ PowerDriver    = (*VMwareService)(nil)
)
