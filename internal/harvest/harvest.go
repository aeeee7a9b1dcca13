// Package harvest pulls recording listings and raw files from the device
// vendors. Each vendor client normalizes its wire format into
// domain.RawRecording so the pipeline never sees vendor payloads.
package harvest

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	types "github.com/yungbote/devicebridge/internal/domain"
)

// Harvester is the per-vendor contract the pipeline drives. ListNew
// returns listing metadata for a window; FetchFiles pulls the raw files
// for one already-persisted record into dir.
type Harvester interface {
	DeviceType() types.DeviceType
	ListNew(ctx context.Context, from, to time.Time) ([]types.RawRecording, error)
	FetchFiles(ctx context.Context, rec *types.Record, dir string) error
}

// Credential is one vendor login. ClientID is only used by vendors with
// Cognito-style auth.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id,omitempty"`
}

// Credentials is the vendor credential file. The sleepband and cogtest
// vendors issue one login per study site; the patch vendor has a single
// study-wide account.
type Credentials struct {
	Sleepband map[types.StudySite]Credential `yaml:"sleepband"`
	Cogtest   map[types.StudySite]Credential `yaml:"cogtest"`
	Patch     Credential                     `yaml:"patch"`
}

// LoadCredentials reads the YAML credential file at path.
func LoadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	for site := range creds.Sleepband {
		if !site.Valid() {
			return nil, fmt.Errorf("unknown study site %q in sleepband credentials", site)
		}
	}
	for site := range creds.Cogtest {
		if !site.Valid() {
			return nil, fmt.Errorf("unknown study site %q in cogtest credentials", site)
		}
	}
	return &creds, nil
}
