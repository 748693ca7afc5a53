package resolution

import (
	"context"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// Stub returns a fixed result. It backs the stub category and local runs.
type Stub struct {
	result domain.Result
}

// NewStub creates a Stub that always reports result.
func NewStub(result domain.Result) *Stub {
	return &Stub{result: result}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Resolve(_ context.Context, m domain.Market) (domain.SettlementOutcome, error) {
	out := domain.SettlementOutcome{
		Result:    s.result,
		Evidence:  []byte(`{"stub":true}`),
		SourceRef: "stub:" + m.ID,
	}
	if s.result != domain.ResultPending {
		out.Confidence = 1
	}
	return out, nil
}
