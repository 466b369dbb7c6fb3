package index

import (
	"context"
	"fmt"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
)

// IsRemoteIndexAcquired reports whether the device's index has been
// ingested for every listed folder.
func (e *Engine) IsRemoteIndexAcquired(device protocol.DeviceID, folders []string) (bool, error) {
	var ok bool

	err := e.state.View(func(tx *state.Tx) error {
		var err error
		ok, err = acquired(tx, device, folders)

		return err
	})

	return ok, err
}

// WaitForRemoteIndexAcquired blocks until the device's index is acquired
// for every listed folder. A zero timeout uses the configured default.
// It fails with errors.ErrTimeout when the timeout passes first.
func (e *Engine) WaitForRemoteIndexAcquired(ctx context.Context, device protocol.DeviceID, folders []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.cfg.WaitTimeout
	}

	sub := e.bus.FullIndexAcquired.Subscribe()
	defer sub.Close()

	ok, err := e.IsRemoteIndexAcquired(device, folders)
	if err != nil || ok {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-sub.C:
			if ev.Device != device {
				continue
			}

			ok, err := e.IsRemoteIndexAcquired(device, folders)
			if err != nil || ok {
				return err
			}

		case <-timer.C:
			return errors.Mark(
				fmt.Errorf("index of %s not acquired within %s", device.Short(), timeout),
				errors.ErrTimeout,
			)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
