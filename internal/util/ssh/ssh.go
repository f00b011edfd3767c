package ssh

import (
	"context"
	"time"

	"github.com/alexandremahdhaoui/buildvm/pkg/execcontext"
)

// Runner defines the interface for executing commands on a remote host.
type Runner interface {
	Run(ctx execcontext.Context, cmd ...string) (stdout, stderr string, err error)
}

// Remote is a Runner that can wait for its host to accept connections.
type Remote interface {
	Runner
	AwaitServer(ctx context.Context, timeout, interval time.Duration) error
}

var _ Remote = (*Client)(nil)
