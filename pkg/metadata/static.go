package metadata

import (
	"context"
	"maps"
)

// Static is an in-memory Source, used by the local provisioner and tests.
type Static struct {
	Values map[string]string
	ID     string
}

// NewStatic returns a Source serving p.
func NewStatic(p Params, instanceID string) *Static {
	return &Static{Values: p.Map(), ID: instanceID}
}

func (s *Static) Fetch(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return maps.Clone(s.Values), nil
}

func (s *Static) InstanceID(ctx context.Context) (string, error) {
	return s.ID, ctx.Err()
}
