package resolution

import (
	"context"
	"encoding/json"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// VoteTally resolves opinion markets by simple majority of the ballot count.
// A tie or an empty tally stays pending.
type VoteTally struct {
	tallies domain.VoteTallyStore
}

// NewVoteTally creates a VoteTally adapter.
func NewVoteTally(tallies domain.VoteTallyStore) *VoteTally {
	return &VoteTally{tallies: tallies}
}

func (v *VoteTally) Name() string { return "vote_tally" }

func (v *VoteTally) Resolve(ctx context.Context, m domain.Market) (domain.SettlementOutcome, error) {
	t, err := v.tallies.Tally(ctx, m.ID)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	evidence, err := json.Marshal(map[string]int64{"yes": t.Yes, "no": t.No})
	if err != nil {
		return domain.SettlementOutcome{}, err
	}

	out := domain.SettlementOutcome{
		Result:    domain.ResultPending,
		Evidence:  evidence,
		SourceRef: "tally:" + m.ID,
	}
	total := t.Yes + t.No
	if total == 0 || t.Yes == t.No {
		return out, nil
	}

	winning := t.Yes
	out.Result = domain.ResultYes
	if t.No > t.Yes {
		winning = t.No
		out.Result = domain.ResultNo
	}
	out.Confidence = float64(winning) / float64(total)
	return out, nil
}
