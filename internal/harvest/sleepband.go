package harvest

import (
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

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/httpx"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

// Sleepband harvests the sleep-headband vendor. The vendor issues one
// restricted account per study site; listings are paginated and file
// downloads go through a signed URL that may not exist yet while the
// vendor's own processing is still running.
type Sleepband struct {
	log      *logger.Logger
	http     *http.Client
	loginURL string
	apiURL   string

	sites map[types.StudySite]*sleepbandSite

	maxAttempts int
	retryDelay  time.Duration
}

type sleepbandSite struct {
	session *session
	userID  string
}

type sleepbandRecord struct {
	ID        string `json:"id"`
	Device    string `json:"device"`
	User      string `json:"user"`
	StartTime int64  `json:"report_start"`
	EndTime   int64  `json:"report_stop"`
}

type sleepbandPage struct {
	Next    string            `json:"next"`
	Results []sleepbandRecord `json:"results"`
}

func NewSleepband(log *logger.Logger, creds map[types.StudySite]Credential) (*Sleepband, error) {
	loginURL := strings.TrimRight(os.Getenv("SLEEPBAND_LOGIN_URL"), "/")
	apiURL := strings.TrimRight(os.Getenv("SLEEPBAND_API_URL"), "/")
	if loginURL == "" || apiURL == "" {
		return nil, fmt.Errorf("missing env var SLEEPBAND_LOGIN_URL or SLEEPBAND_API_URL")
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no sleepband credentials configured")
	}
	h := &Sleepband{
		log:         log.With("harvester", "sleepband"),
		http:        &http.Client{Timeout: 2 * time.Minute},
		loginURL:    loginURL,
		apiURL:      apiURL,
		sites:       map[types.StudySite]*sleepbandSite{},
		maxAttempts: 4,
		retryDelay:  2 * time.Second,
	}
	for site, cred := range creds {
		h.sites[site] = h.newSite(cred)
	}
	return h, nil
}

func (h *Sleepband) newSite(cred Credential) *sleepbandSite {
	st := &sleepbandSite{}
	st.session = newSession(func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.loginURL+"/token/", nil)
		if err != nil {
			return "", err
		}
		req.SetBasicAuth(cred.Username, cred.Password)
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
			Token  string `json:"token"`
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		st.userID = out.UserID
		return out.Token, nil
	})
	return st
}

func (h *Sleepband) DeviceType() types.DeviceType { return types.DeviceSLB }

// ListNew walks every site account's paginated listing for the window.
// Auth failure on any site aborts the whole harvest.
func (h *Sleepband) ListNew(ctx context.Context, from, to time.Time) ([]types.RawRecording, error) {
	var out []types.RawRecording
	for site, st := range h.sites {
		token, err := st.session.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("sleepband auth for site %s: %w", site, err)
		}
		next := fmt.Sprintf("%s/restricted/%s/records/?since=%d&until=%d",
			h.apiURL, url.PathEscape(st.userID), from.Unix(), to.Unix())
		for next != "" {
			var page sleepbandPage
			if err := h.getJSON(ctx, token, next, &page); err != nil {
				return nil, fmt.Errorf("sleepband listing for site %s: %w", site, err)
			}
			for _, rec := range page.Results {
				out = append(out, types.RawRecording{
					Ref:       rec.ID,
					DeviceRef: rec.Device,
					UserHint:  rec.User,
					Start:     time.Unix(rec.StartTime, 0).UTC(),
					End:       time.Unix(rec.EndTime, 0).UTC(),
					Meta:      map[string]any{"site": string(site)},
				})
			}
			next = page.Next
		}
	}
	return out, nil
}

// FetchFiles resolves and downloads the processed sleep file. The vendor
// returns an empty URL while the recording is still on the headband or in
// processing; that is a retryable miss, not corruption, so the record is
// left undownloaded for the next run.
func (h *Sleepband) FetchFiles(ctx context.Context, rec *types.Record, dir string) error {
	site, st, err := h.siteFor(rec)
	if err != nil {
		return err
	}
	token, err := st.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("sleepband auth for site %s: %w", site, err)
	}

	var out struct {
		DataURL string `json:"data_url"`
	}
	u := fmt.Sprintf("%s/records/%s/h5/", h.apiURL, url.PathEscape(rec.ManufacturerRef))
	if err := h.getJSON(ctx, token, u, &out); err != nil {
		return err
	}
	if out.DataURL == "" {
		return fmt.Errorf("file for %s not yet available upstream", rec.ManufacturerRef)
	}
	return downloadTo(ctx, h.http, out.DataURL, filepath.Join(dir, rec.ManufacturerRef+".h5"))
}

func (h *Sleepband) siteFor(rec *types.Record) (types.StudySite, *sleepbandSite, error) {
	var meta struct {
		Site types.StudySite `json:"site"`
	}
	if err := json.Unmarshal(rec.Meta, &meta); err != nil {
		return "", nil, fmt.Errorf("record %s meta: %w", rec.Hash, err)
	}
	st, ok := h.sites[meta.Site]
	if !ok {
		return "", nil, fmt.Errorf("record %s references unconfigured site %q", rec.Hash, meta.Site)
	}
	return meta.Site, st, nil
}

func (h *Sleepband) getJSON(ctx context.Context, token, u string, dest any) error {
	return httpx.DoWithRetry(ctx, h.maxAttempts, h.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
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

// downloadTo streams a (possibly signed, pre-authorized) URL to disk.
func downloadTo(ctx context.Context, client *http.Client, u, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}
