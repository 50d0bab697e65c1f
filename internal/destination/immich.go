package destination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"snapsync/internal/logger"
)

// ImmichDestination uploads assets to an Immich server over its HTTP
// API. Verification reads the asset back by id; the server owns the
// stored bytes, so readability is the contract.
type ImmichDestination struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewImmich(name, url, apiKey string, timeout time.Duration) *ImmichDestination {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &ImmichDestination{
		name:    name,
		baseURL: strings.TrimRight(url, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *ImmichDestination) Name() string { return d.name }

type immichAsset struct {
	ID string `json:"id"`
}

// CheckConnection pings the server; failure is logged but does not
// stop the service, the first upload is the real test.
func (d *ImmichDestination) CheckConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/server-info/ping", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", d.apiKey)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("immich ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("immich: authentication failed (status %d)", resp.StatusCode)
	}
	return nil
}

func (d *ImmichDestination) Upload(ctx context.Context, up Upload) (Result, error) {
	f, err := os.Open(up.Path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", up.Path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeAssetForm(mw, f, up)
		mw.Close()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/assets", pr)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, d.wrapErr("upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("immich upload %s: status %d: %s", up.FileName, resp.StatusCode, body)
	}

	var asset immichAsset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		return Result{}, fmt.Errorf("immich upload %s: decode response: %w", up.FileName, err)
	}
	if asset.ID == "" {
		return Result{}, fmt.Errorf("immich upload %s: response carried no asset id", up.FileName)
	}
	logger.Debugf("immich: uploaded %s as asset %s", up.FileName, asset.ID)
	return Result{RemoteRef: asset.ID}, nil
}

func writeAssetForm(mw *multipart.Writer, f *os.File, up Upload) error {
	if err := mw.WriteField("deviceId", up.Device); err != nil {
		return err
	}
	deviceAssetID := fmt.Sprintf("%s-%d", strings.TrimSuffix(up.FileName, filepath.Ext(up.FileName)), up.ModTime.Unix())
	if err := mw.WriteField("deviceAssetId", deviceAssetID); err != nil {
		return err
	}
	if err := mw.WriteField("fileCreatedAt", up.ModTime.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := mw.WriteField("fileModifiedAt", up.ModTime.Format(time.RFC3339)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("assetData", up.FileName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func (d *ImmichDestination) Verify(ctx context.Context, res Result, up Upload) (VerifyStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/assets/"+res.RemoteRef, nil)
	if err != nil {
		return VerifyUnavailable, err
	}
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return VerifyUnavailable, d.wrapErr("verify", err)
	}
	defer resp.Body.Close()

	// The API does not expose the stored bytes for re-hashing; the
	// asset being readable by id is the verification contract here.
	switch resp.StatusCode {
	case http.StatusOK:
		return VerifyMatch, nil
	case http.StatusNotFound:
		return VerifyMismatch, nil
	default:
		return VerifyUnavailable, fmt.Errorf("immich verify: status %d", resp.StatusCode)
	}
}

func (d *ImmichDestination) wrapErr(op string, err error) error {
	var ue interface{ Timeout() bool }
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("immich %s: %w: %v", op, ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("immich %s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("immich %s: %w", op, err)
}
