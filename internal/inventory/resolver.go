package inventory

import (
	"context"
	"time"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/wearperiod"
)

// Resolver answers identity questions from inventory checkout history. It
// is the fallback when the clinical registry has no booking.
type Resolver struct {
	client Client
	now    func() time.Time
}

func NewResolver(client Client) *Resolver {
	return &Resolver{client: client, now: time.Now}
}

func (r *Resolver) AssociationsForDevice(ctx context.Context, deviceID string) ([]types.WearAssociation, error) {
	return r.client.DeviceHistory(ctx, deviceID)
}

// PatientCandidates returns every patient whose checkout period for
// deviceID fully contains [start, end].
func (r *Resolver) PatientCandidates(ctx context.Context, deviceID string, start, end time.Time) ([]string, error) {
	assocs, err := r.AssociationsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	target := wearperiod.Closed(start, end)
	var candidates []string
	seen := map[string]struct{}{}
	for _, a := range assocs {
		if a.PatientID == "" {
			continue
		}
		checkout := wearperiod.New(a.StartWear, a.EndWear, r.now())
		if !checkout.Contains(target) {
			continue
		}
		if _, dup := seen[a.PatientID]; dup {
			continue
		}
		seen[a.PatientID] = struct{}{}
		candidates = append(candidates, a.PatientID)
	}
	return candidates, nil
}
