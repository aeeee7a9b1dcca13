package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/httpx"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

// Cogtest harvests the cognitive-testing platform. The platform returns
// complete test results inside the listing itself, so there is nothing
// separate to download: records are born downloaded and FetchFiles never
// runs for them.
type Cogtest struct {
	log    *logger.Logger
	http   *http.Client
	apiURL string
	sites  map[types.StudySite]Credential

	// deviceID is the canonical id of the test-app pseudo device.
	deviceID string

	pageSize    int
	maxAttempts int
	retryDelay  time.Duration
}

// Two test batteries share the platform; the first item's measure code
// tells them apart and the meta shape differs accordingly.
const (
	batteryFull  = "full_battery"
	batteryShort = "attention_battery"

	fullBatteryMeasureCode = "SWMTE"
)

type cogtestVisit struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	StartTime  int64  `json:"startTime"`
	ItemGroups []struct {
		EndTime int64 `json:"endTime"`
		Items   []struct {
			MeasureCode string          `json:"measureCode"`
			Result      json.RawMessage `json:"result"`
		} `json:"items"`
	} `json:"itemGroups"`
}

type cogtestPage struct {
	Total   int               `json:"total"`
	Records []json.RawMessage `json:"records"`
}

func NewCogtest(log *logger.Logger, creds map[types.StudySite]Credential) (*Cogtest, error) {
	apiURL := strings.TrimRight(os.Getenv("COGTEST_API_URL"), "/")
	if apiURL == "" {
		return nil, fmt.Errorf("missing env var COGTEST_API_URL")
	}
	deviceID := os.Getenv("COGTEST_DEVICE_ID")
	if deviceID == "" {
		return nil, fmt.Errorf("missing env var COGTEST_DEVICE_ID")
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no cogtest credentials configured")
	}
	return &Cogtest{
		log:         log.With("harvester", "cogtest"),
		http:        &http.Client{Timeout: time.Minute},
		apiURL:      apiURL,
		sites:       creds,
		deviceID:    deviceID,
		pageSize:    100,
		maxAttempts: 4,
		retryDelay:  2 * time.Second,
	}, nil
}

func (h *Cogtest) DeviceType() types.DeviceType { return types.DeviceCTP }

// ListNew pages through every site's visits in the window. The full test
// payload rides along in the recording meta.
func (h *Cogtest) ListNew(ctx context.Context, from, to time.Time) ([]types.RawRecording, error) {
	var out []types.RawRecording
	for site, cred := range h.sites {
		offset := 0
		for {
			page, err := h.visits(ctx, cred, from, to, offset)
			if err != nil {
				return nil, fmt.Errorf("cogtest listing for site %s: %w", site, err)
			}
			for _, raw := range page.Records {
				rec, err := h.toRecording(raw, site)
				if err != nil {
					return nil, fmt.Errorf("cogtest listing for site %s: %w", site, err)
				}
				out = append(out, rec)
			}
			offset += h.pageSize
			if offset >= page.Total {
				break
			}
		}
	}
	return out, nil
}

func (h *Cogtest) toRecording(raw json.RawMessage, site types.StudySite) (types.RawRecording, error) {
	var v cogtestVisit
	if err := json.Unmarshal(raw, &v); err != nil {
		return types.RawRecording{}, fmt.Errorf("decode visit: %w", err)
	}
	if len(v.ItemGroups) == 0 {
		return types.RawRecording{}, fmt.Errorf("visit %s has no item groups", v.ID)
	}

	meta := map[string]any{"site": string(site)}
	first := v.ItemGroups[0]
	if len(first.Items) > 0 && first.Items[0].MeasureCode == fullBatteryMeasureCode {
		meta["battery"] = batteryFull
		meta["full_data"] = json.RawMessage(raw)
	} else {
		items, err := json.Marshal(first.Items)
		if err != nil {
			return types.RawRecording{}, err
		}
		meta["battery"] = batteryShort
		meta["full_data"] = json.RawMessage(items)
	}

	return types.RawRecording{
		Ref:       v.ID,
		DeviceRef: h.deviceID,
		UserHint:  v.Subject,
		Start:     time.Unix(v.StartTime, 0).UTC(),
		End:       time.Unix(first.EndTime, 0).UTC(),
		Meta:      meta,
		Embedded:  true,
	}, nil
}

func (h *Cogtest) visits(ctx context.Context, cred Credential, from, to time.Time, offset int) (*cogtestPage, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(h.pageSize))
	q.Set("since", fmt.Sprint(from.Unix()))
	q.Set("until", fmt.Sprint(to.Unix()))
	u := h.apiURL + "/visit?" + q.Encode()

	var page cogtestPage
	err := httpx.DoWithRetry(ctx, h.maxAttempts, h.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(cred.Username, cred.Password)
		req.Header.Set("Accept", "application/json")
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
		return json.Unmarshal(body, &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchFiles is a no-op: the payload was stored at harvest time and the
// record is created already downloaded.
func (h *Cogtest) FetchFiles(ctx context.Context, rec *types.Record, dir string) error {
	return nil
}
