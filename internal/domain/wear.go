package domain

import "time"

// WearAssociation is one patient-device association returned by a reference
// system. EndWear nil means the device is still checked out.
type WearAssociation struct {
	DeviceID  string     `json:"device_id"`
	PatientID string     `json:"patient_id"`
	StartWear time.Time  `json:"start_wear"`
	EndWear   *time.Time `json:"end_wear"`

	// Deviations flags associations the registry knows to be unreliable;
	// they are skipped when resolving by device id.
	Deviations bool `json:"deviations"`

	// VTTID is the hashed participant id the stress-app vendor uses in
	// place of patient and device ids.
	VTTID string `json:"vtt_id,omitempty"`
}

// RawRecording is the vendor-agnostic shape every harvester normalizes its
// listing responses into. It exists only in memory during harvest.
type RawRecording struct {
	// Ref is the vendor-native recording id.
	Ref string
	// DeviceRef is the vendor-native device serial or uuid.
	DeviceRef string
	// UserHint is the vendor-side user identifier, when the vendor has one.
	UserHint string
	Start    time.Time
	End      time.Time
	Meta     map[string]any

	// Embedded marks vendors that deliver the full payload inside the
	// listing; such records are created already downloaded.
	Embedded bool
}
