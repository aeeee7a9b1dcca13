package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/httpx"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

// PatientRecord is one registry patient with every device wear period the
// clinical team booked against them.
type PatientRecord struct {
	PatientID string                  `json:"patient_id"`
	Devices   []types.WearAssociation `json:"devices"`
}

// DeviceRecord is one registry device with every patient that has worn it.
type DeviceRecord struct {
	DeviceID string                  `json:"device_id"`
	Patients []types.WearAssociation `json:"patients"`
}

// VTTRecord maps a stress-app subject hash back to the patient it was
// issued to. The hash is all the vendor dump exposes.
type VTTRecord struct {
	VTTID     string `json:"vtt_id"`
	PatientID string `json:"patient_id"`
}

// Client reads the clinical registry. Absence of a row is an expected
// outcome (204 or an empty 404 payload) and comes back as (nil, nil);
// only transport and server failures are errors.
type Client interface {
	GetPatient(ctx context.Context, patientID string) (*PatientRecord, error)
	GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error)
	GetVTT(ctx context.Context, vttHash string) (*VTTRecord, error)
}

type client struct {
	log         *logger.Logger
	http        *http.Client
	baseURL     string
	token       string
	maxAttempts int
	retryDelay  time.Duration
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(os.Getenv("REGISTRY_BASE_URL"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing env var REGISTRY_BASE_URL")
	}
	token := os.Getenv("REGISTRY_ACCESS_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("missing env var REGISTRY_ACCESS_TOKEN")
	}
	return &client{
		log:         log.With("service", "RegistryClient"),
		http:        &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		token:       token,
		maxAttempts: 4,
		retryDelay:  time.Second,
	}, nil
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *client) GetPatient(ctx context.Context, patientID string) (*PatientRecord, error) {
	var out PatientRecord
	ok, err := c.get(ctx, "/patients/"+patientID, &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (c *client) GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	var out DeviceRecord
	ok, err := c.get(ctx, "/devices/"+deviceID, &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (c *client) GetVTT(ctx context.Context, vttHash string) (*VTTRecord, error) {
	var out VTTRecord
	ok, err := c.get(ctx, "/vtt/"+vttHash, &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// get returns ok=false without error when the registry has no row.
func (c *client) get(ctx context.Context, path string, dest any) (bool, error) {
	var found bool
	err := httpx.DoWithRetry(ctx, c.maxAttempts, c.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			// The registry answers 404 with an empty data envelope for
			// unknown ids; that is absence, not failure.
			return nil
		case resp.StatusCode != http.StatusOK:
			return &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("decode registry response %s: %w", path, err)
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("decode registry payload %s: %w", path, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
