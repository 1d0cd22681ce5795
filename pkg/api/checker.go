package api

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"

	"github.com/localdir/dircache/pkg/health"
)

// ServiceName is the gRPC health service name reporting overall health.
const ServiceName = "dircache.Directory"

// Checker answers grpc.health.v1 checks from a health.Tracker. The empty service and
// ServiceName report overall health; a component name reports that component.
type Checker struct {
	tracker *health.Tracker
}

var _ grpchealth.Checker = (*Checker)(nil)

// NewChecker wraps tracker. A nil tracker always reports serving.
func NewChecker(tracker *health.Tracker) *Checker {
	return &Checker{tracker: tracker}
}

// Check implements grpchealth.Checker.
func (c *Checker) Check(_ context.Context, req *grpchealth.CheckRequest) (*grpchealth.CheckResponse, error) {
	if req.Service == "" || req.Service == ServiceName {
		if c.tracker == nil {
			return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
		}
		return &grpchealth.CheckResponse{Status: status(c.tracker.GetOverallHealth())}, nil
	}

	if c.tracker != nil {
		if h, err := c.tracker.GetComponentHealth(req.Service); err == nil {
			return &grpchealth.CheckResponse{Status: status(h.State)}, nil
		}
	}
	return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("unknown service %q", req.Service))
}

func status(state health.HealthState) grpchealth.Status {
	if state == health.StateUnavailable {
		return grpchealth.StatusNotServing
	}
	return grpchealth.StatusServing
}
