package registry

import (
	"context"
	"time"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/wearperiod"
)

// Resolver answers identity questions from registry associations.
type Resolver struct {
	client Client
	now    func() time.Time
}

func NewResolver(client Client) *Resolver {
	return &Resolver{client: client, now: time.Now}
}

func (r *Resolver) AssociationsForDevice(ctx context.Context, deviceID string) ([]types.WearAssociation, error) {
	dev, err := r.client.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, nil
	}
	return dev.Patients, nil
}

// PatientCandidates returns every patient whose booked wear period for
// deviceID fully contains [start, end]. Associations flagged with
// deviations are skipped. Zero candidates means unresolved; more than one
// means the window is ambiguous and the caller must not guess.
func (r *Resolver) PatientCandidates(ctx context.Context, deviceID string, start, end time.Time) ([]string, error) {
	assocs, err := r.AssociationsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	target := wearperiod.Closed(start, end)
	var candidates []string
	seen := map[string]struct{}{}
	for _, a := range assocs {
		if a.Deviations {
			continue
		}
		booked := wearperiod.New(a.StartWear, a.EndWear, r.now())
		if !booked.Contains(target) {
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
