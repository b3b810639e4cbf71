// Package mock provides a configurable CheckpointVerifier for tests.
package mock

import (
	"context"

	"github.com/whiteshards/cryptix/pkg/models"
)

// Verifier satisfies models.CheckpointVerifier for testing.
type Verifier struct {
	Type_      models.CheckpointType
	VerifyFunc func(ctx context.Context, req models.VerifyRequest) error

	// Calls records every request seen, in order.
	Calls []models.VerifyRequest
}

func (m *Verifier) Type() models.CheckpointType { return m.Type_ }

func (m *Verifier) Verify(ctx context.Context, req models.VerifyRequest) error {
	m.Calls = append(m.Calls, req)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, req)
	}
	return nil
}

// NewPassing returns a Verifier for cpType that accepts everything.
func NewPassing(cpType models.CheckpointType) *Verifier {
	return &Verifier{Type_: cpType}
}

// NewFailing returns a Verifier for cpType that always returns err.
func NewFailing(cpType models.CheckpointType, err error) *Verifier {
	return &Verifier{
		Type_: cpType,
		VerifyFunc: func(context.Context, models.VerifyRequest) error {
			return err
		},
	}
}

// Compile-time check that Verifier implements CheckpointVerifier.
var _ models.CheckpointVerifier = (*Verifier)(nil)
