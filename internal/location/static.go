package location

import (
	"context"
	"fmt"
	"time"

	"qibla-ng/internal/qibla"
)

// Static reports a fixed, configured position.
type Static struct {
	pos     qibla.GeoPosition
	granted bool
}

func NewStatic(pos qibla.GeoPosition, granted bool) (*Static, error) {
	if !pos.Valid() {
		return nil, fmt.Errorf("location: invalid static position %s", pos)
	}
	return &Static{pos: pos, granted: granted}, nil
}

func (s *Static) RequestForegroundPermission(ctx context.Context) (bool, error) {
	return s.granted, nil
}

func (s *Static) CurrentPosition(ctx context.Context, _ Accuracy) (qibla.GeoPosition, error) {
	if !s.granted {
		return qibla.GeoPosition{}, ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return qibla.GeoPosition{}, err
	}
	return s.pos, nil
}

func (s *Static) WatchPosition(opts WatchOptions, cb func(qibla.GeoPosition)) (qibla.Subscription, error) {
	if !s.granted {
		return nil, ErrPermissionDenied
	}
	interval := opts.MinInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return Poll(interval, func() (qibla.GeoPosition, bool) { return s.pos, true }, opts, cb), nil
}
