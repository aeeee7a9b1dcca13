package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/httpx"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

// Patch harvests the biosensor-patch vendor. One study-wide account over
// a Cognito-style token endpoint; recordings hang off per-site "groups"
// and each recording bundles several named signal files.
type Patch struct {
	log     *logger.Logger
	http    *http.Client
	authURL string
	apiURL  string
	session *session

	maxAttempts int
	retryDelay  time.Duration
}

type patchSignal struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Algorithms []string `json:"algorithms"`
}

type patchRecording struct {
	ID        string        `json:"id"`
	GroupID   string        `json:"groupId"`
	DotID     string        `json:"dotId"`
	Patient   string        `json:"patient"`
	StartDate int64         `json:"startDate"`
	Duration  float64       `json:"duration"`
	Signals   []patchSignal `json:"signals"`
}

func NewPatch(log *logger.Logger, cred Credential) (*Patch, error) {
	authURL := strings.TrimRight(os.Getenv("PATCH_AUTH_URL"), "/")
	apiURL := strings.TrimRight(os.Getenv("PATCH_API_URL"), "/")
	if authURL == "" || apiURL == "" {
		return nil, fmt.Errorf("missing env var PATCH_AUTH_URL or PATCH_API_URL")
	}
	h := &Patch{
		log:         log.With("harvester", "patch"),
		http:        &http.Client{Timeout: 2 * time.Minute},
		authURL:     authURL,
		apiURL:      apiURL,
		maxAttempts: 4,
		retryDelay:  2 * time.Second,
	}
	h.session = newSession(func(ctx context.Context) (string, error) {
		return h.cognitoToken(ctx, cred)
	})
	return h, nil
}

func (h *Patch) cognitoToken(ctx context.Context, cred Credential) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"ClientId": cred.ClientID,
		"AuthFlow": "USER_PASSWORD_AUTH",
		"AuthParameters": map[string]string{
			"USERNAME": cred.Username,
			"PASSWORD": cred.Password,
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.authURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Amz-Target", "AWSCognitoIdentityProviderService.InitiateAuth")
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")

	resp, err := h.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out struct {
		AuthenticationResult struct {
			IdToken string `json:"IdToken"`
		} `json:"AuthenticationResult"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if out.AuthenticationResult.IdToken == "" {
		return "", fmt.Errorf("auth response carried no token")
	}
	return out.AuthenticationResult.IdToken, nil
}

func (h *Patch) DeviceType() types.DeviceType { return types.DeviceBSP }

// ListNew queries every group for recordings in the window. The vendor
// rejects wide ranges, which is why harvesting is windowed at all. The
// vendor reports a start epoch and a duration; the wear window end is
// synthesized from them.
func (h *Patch) ListNew(ctx context.Context, from, to time.Time) ([]types.RawRecording, error) {
	token, err := h.session.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("patch auth: %w", err)
	}

	var groups []struct {
		GroupID string `json:"groupId"`
	}
	if err := h.getJSON(ctx, token, h.apiURL+"/groups/", &groups); err != nil {
		return nil, fmt.Errorf("patch groups: %w", err)
	}

	var out []types.RawRecording
	for _, g := range groups {
		u := fmt.Sprintf("%s/groups/%s/recordings?begin=%d&end=%d",
			h.apiURL, url.PathEscape(g.GroupID), from.Unix(), to.Unix())
		var recs []patchRecording
		if err := h.getJSON(ctx, token, u, &recs); err != nil {
			return nil, fmt.Errorf("patch recordings for group %s: %w", g.GroupID, err)
		}
		for _, rec := range recs {
			start := time.Unix(rec.StartDate, 0).UTC()
			signalIDs := make([]any, 0, len(rec.Signals))
			for _, s := range rec.Signals {
				signalIDs = append(signalIDs, map[string]any{
					"id":         s.ID,
					"type":       s.Type,
					"algorithms": s.Algorithms,
				})
			}
			out = append(out, types.RawRecording{
				Ref:       rec.ID,
				DeviceRef: rec.DotID,
				UserHint:  rec.Patient,
				Start:     start,
				End:       start.Add(time.Duration(rec.Duration * float64(time.Second))),
				Meta: map[string]any{
					"group_id": rec.GroupID,
					"dot_id":   rec.DotID,
					"signals":  signalIDs,
				},
			})
		}
	}
	return out, nil
}

// FetchFiles downloads every signal file of the recording and remembers
// the written names in the record's meta as linked_files.
func (h *Patch) FetchFiles(ctx context.Context, rec *types.Record, dir string) error {
	token, err := h.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("patch auth: %w", err)
	}

	var meta struct {
		GroupID string `json:"group_id"`
		Signals []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"signals"`
	}
	if err := json.Unmarshal(rec.Meta, &meta); err != nil {
		return fmt.Errorf("record %s meta: %w", rec.Hash, err)
	}
	if meta.GroupID == "" || len(meta.Signals) == 0 {
		return fmt.Errorf("record %s meta carries no signals", rec.Hash)
	}

	var linked []string
	for _, sig := range meta.Signals {
		u := fmt.Sprintf("%s/groups/%s/recordings/%s/signals/%s",
			h.apiURL, url.PathEscape(meta.GroupID), url.PathEscape(rec.ManufacturerRef), url.PathEscape(sig.ID))
		var out struct {
			URI string `json:"uri"`
		}
		if err := h.getJSON(ctx, token, u, &out); err != nil {
			return err
		}
		if out.URI == "" {
			return fmt.Errorf("signal %s of %s not yet available upstream", sig.ID, rec.ManufacturerRef)
		}
		name := fmt.Sprintf("%s-%s-%s.csv", rec.ManufacturerRef, sig.Type, sig.ID)
		if err := downloadTo(ctx, h.http, out.URI, filepath.Join(dir, name)); err != nil {
			return err
		}
		linked = append(linked, name)
	}

	return setMetaField(rec, "linked_files", linked)
}

func (h *Patch) getJSON(ctx context.Context, token, u string, dest any) error {
	return httpx.DoWithRetry(ctx, h.maxAttempts, h.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
		resp, err := h.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return json.Unmarshal(body, dest)
	})
}

// setMetaField rewrites one key of the record's meta JSON in place.
func setMetaField(rec *types.Record, key string, value any) error {
	meta := map[string]any{}
	if len(rec.Meta) > 0 {
		if err := json.Unmarshal(rec.Meta, &meta); err != nil {
			return fmt.Errorf("record %s meta: %w", rec.Hash, err)
		}
	}
	meta[key] = value
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	rec.Meta = datatypes.JSON(raw)
	return nil
}
