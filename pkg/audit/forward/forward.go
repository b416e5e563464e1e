package forward

import (
	"context"
	"errors"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// Forwarder delivers a persisted record to a downstream audit intake.
// Delivery is best effort: the record is already durable.
type Forwarder interface {
	Forward(ctx context.Context, rec *audit.Record) error
}

// Multi delivers to every forwarder and joins their errors. auditd uses it
// when more than one webhook intake is configured.
type Multi []Forwarder

func (m Multi) Forward(ctx context.Context, rec *audit.Record) error {
	var errs []error
	for _, f := range m {
		if err := f.Forward(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
