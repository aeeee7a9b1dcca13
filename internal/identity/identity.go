// Package identity turns vendor-native identifiers (serials, account
// emails, subject hashes) into canonical patient and device ids. Nothing
// is ever guessed: a recording that cannot be pinned to exactly one
// patient is reported unresolved or ambiguous and left with the vendor.
package identity

import (
	"context"
	"strings"
	"time"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/inventory"
	"github.com/yungbote/devicebridge/internal/pkg/ids"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

type Outcome string

const (
	Resolved   Outcome = "resolved"
	Unresolved Outcome = "unresolved"
	Ambiguous  Outcome = "ambiguous"
)

// Resolution is the verdict for one raw recording.
type Resolution struct {
	Outcome   Outcome
	PatientID string
	DeviceID  string

	// Reason explains an unresolved verdict for the run logs.
	Reason string
	// Candidates lists the patients an ambiguous window matched.
	Candidates []string
}

// Resolver matches a wear window against one reference system's
// associations. The registry and the inventory both provide one.
type Resolver interface {
	AssociationsForDevice(ctx context.Context, deviceID string) ([]types.WearAssociation, error)
	PatientCandidates(ctx context.Context, deviceID string, start, end time.Time) ([]string, error)
}

// DeviceLookup maps a vendor serial to the canonical device asset.
type DeviceLookup interface {
	DeviceBySerial(ctx context.Context, dt types.DeviceType, serial string) (*inventory.Asset, error)
}

type Engine struct {
	log      *logger.Logger
	devices  DeviceLookup
	registry Resolver
	fallback Resolver

	// placeholders are vendor-account substrings that mark shared test
	// accounts; a user hint matching one carries no identity.
	placeholders []string
}

func NewEngine(log *logger.Logger, devices DeviceLookup, registry, fallback Resolver, placeholders []string) *Engine {
	return &Engine{
		log:          log.With("service", "IdentityEngine"),
		devices:      devices,
		registry:     registry,
		fallback:     fallback,
		placeholders: placeholders,
	}
}

// Resolve runs the full chain for one recording: canonical device id first,
// then patient via user hint, registry booking, inventory checkout, in that
// order. Reference-system errors abort resolution and bubble up so the
// platform run fails loudly instead of silently skipping recordings.
func (e *Engine) Resolve(ctx context.Context, dt types.DeviceType, rec types.RawRecording) (Resolution, error) {
	deviceID, res, err := e.resolveDevice(ctx, dt, rec)
	if err != nil {
		return Resolution{}, err
	}
	if res != nil {
		return *res, nil
	}

	if pid, ok := e.patientFromHint(rec.UserHint); ok {
		return Resolution{Outcome: Resolved, PatientID: pid, DeviceID: deviceID}, nil
	}

	for _, resolver := range []Resolver{e.registry, e.fallback} {
		if resolver == nil {
			continue
		}
		candidates, err := resolver.PatientCandidates(ctx, deviceID, rec.Start, rec.End)
		if err != nil {
			return Resolution{}, err
		}
		switch len(candidates) {
		case 0:
			continue
		case 1:
			return Resolution{Outcome: Resolved, PatientID: candidates[0], DeviceID: deviceID}, nil
		default:
			return Resolution{
				Outcome:    Ambiguous,
				DeviceID:   deviceID,
				Candidates: candidates,
				Reason:     "wear window matches multiple patients",
			}, nil
		}
	}

	return Resolution{
		Outcome:  Unresolved,
		DeviceID: deviceID,
		Reason:   "no wear period covers the recording window",
	}, nil
}

// resolveDevice returns the canonical device id, or a terminal unresolved
// Resolution when the serial is unknown.
func (e *Engine) resolveDevice(ctx context.Context, dt types.DeviceType, rec types.RawRecording) (string, *Resolution, error) {
	// Some vendors already report the canonical id as the serial.
	if id, ok := ids.NormalizeDeviceID(rec.DeviceRef); ok {
		return id, nil, nil
	}
	if e.devices == nil {
		return "", &Resolution{Outcome: Unresolved, Reason: "device serial is not a canonical id"}, nil
	}
	asset, err := e.devices.DeviceBySerial(ctx, dt, rec.DeviceRef)
	if err != nil {
		return "", nil, err
	}
	if asset == nil {
		return "", &Resolution{Outcome: Unresolved, Reason: "serial not in the asset inventory"}, nil
	}
	id, ok := ids.NormalizeDeviceID(asset.DeviceID)
	if !ok {
		return "", &Resolution{Outcome: Unresolved, Reason: "inventory id fails the checksum"}, nil
	}
	return id, nil, nil
}

// patientFromHint accepts the vendor account id only when it is a
// checksum-valid patient id and not a shared placeholder account.
func (e *Engine) patientFromHint(hint string) (string, bool) {
	if hint == "" {
		return "", false
	}
	lower := strings.ToLower(hint)
	for _, p := range e.placeholders {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return "", false
		}
	}
	return ids.NormalizePatientID(hint)
}
