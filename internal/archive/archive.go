// Package archive bundles staged folders and ships them to the long-term
// data management platform. Upload is all-or-nothing per bundle; the
// checksum lets the platform verify the transfer before acknowledging.
package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/devicebridge/internal/pkg/httpx"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

type Client interface {
	Upload(ctx context.Context, zipPath, patientID, deviceID string, startMS, endMS int64, checksum string) error
}

type client struct {
	log       *logger.Logger
	http      *http.Client
	uploadURL string
	token     string

	maxAttempts int
	retryDelay  time.Duration
}

func NewClient(log *logger.Logger) (Client, error) {
	uploadURL := strings.TrimSpace(os.Getenv("ARCHIVE_UPLOAD_URL"))
	if uploadURL == "" {
		return nil, fmt.Errorf("missing env var ARCHIVE_UPLOAD_URL")
	}
	token := os.Getenv("ARCHIVE_ACCESS_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("missing env var ARCHIVE_ACCESS_TOKEN")
	}
	return &client{
		log:         log.With("service", "ArchiveClient"),
		http:        &http.Client{Timeout: 30 * time.Minute},
		uploadURL:   uploadURL,
		token:       token,
		maxAttempts: 3,
		retryDelay:  5 * time.Second,
	}, nil
}

// ZipFolder zips the folder's contents (paths relative to the folder) next
// to it and returns the zip path plus its sha256 hex digest.
func ZipFolder(folder string) (string, string, error) {
	zipPath := strings.TrimRight(folder, string(os.PathSeparator)) + ".zip"
	f, err := os.Create(zipPath)
	if err != nil {
		return "", "", err
	}

	hasher := sha256.New()
	zw := zip.NewWriter(io.MultiWriter(f, hasher))

	err = filepath.Walk(folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		_ = zw.Close()
		_ = f.Close()
		_ = os.Remove(zipPath)
		return "", "", fmt.Errorf("zip %s: %w", folder, err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return zipPath, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Upload POSTs the bundle as multipart form data. The request body is
// rebuilt per attempt since a failed send consumes the reader.
func (c *client) Upload(ctx context.Context, zipPath, patientID, deviceID string, startMS, endMS int64, checksum string) error {
	return httpx.DoWithRetry(ctx, c.maxAttempts, c.retryDelay, func() error {
		return c.uploadOnce(ctx, zipPath, patientID, deviceID, startMS, endMS, checksum)
	})
}

func (c *client) uploadOnce(ctx context.Context, zipPath, patientID, deviceID string, startMS, endMS int64, checksum string) error {
	src, err := os.Open(zipPath)
	if err != nil {
		return err
	}
	defer src.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			fields := map[string]string{
				"patientId": patientID,
				"deviceId":  deviceID,
				"startDate": strconv.FormatInt(startMS, 10),
				"endDate":   strconv.FormatInt(endMS, 10),
				"checksum":  checksum,
			}
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filepath.Base(zipPath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, src); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// RemoveLocal deletes the uploaded bundle and the staged folder it was
// built from.
func RemoveLocal(zipPath string) error {
	if err := os.Remove(zipPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	folder := strings.TrimSuffix(zipPath, ".zip")
	if err := os.RemoveAll(folder); err != nil {
		return err
	}
	return nil
}
