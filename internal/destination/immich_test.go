package destination

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func immichUpload(t *testing.T) Upload {
	t.Helper()
	src := filepath.Join(t.TempDir(), "IMG_0001.JPG")
	if err := os.WriteFile(src, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return Upload{
		Path:        src,
		FileName:    "IMG_0001.JPG",
		LogicalPath: "2026/08/30",
		Size:        10,
		Digest:      "aabbcc",
		ModTime:     time.Unix(1756500000, 0),
		Device:      "CARD_A",
	}
}

func TestImmichUpload(t *testing.T) {
	var gotAuth, gotDevice, gotAssetID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/assets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("x-api-key")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotDevice = r.FormValue("deviceId")
		gotAssetID = r.FormValue("deviceAssetId")
		file, _, err := r.FormFile("assetData")
		if err != nil {
			t.Errorf("assetData part: %v", err)
		} else {
			gotBody, _ = io.ReadAll(file)
			file.Close()
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "asset-123", "status": "created"})
	}))
	defer srv.Close()

	d := NewImmich("immich", srv.URL, "secret", time.Minute)
	res, err := d.Upload(context.Background(), immichUpload(t))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.RemoteRef != "asset-123" {
		t.Errorf("remote ref = %s, want asset-123", res.RemoteRef)
	}
	if gotAuth != "secret" {
		t.Errorf("x-api-key = %s", gotAuth)
	}
	if gotDevice != "CARD_A" {
		t.Errorf("deviceId = %s", gotDevice)
	}
	if gotAssetID != "IMG_0001-1756500000" {
		t.Errorf("deviceAssetId = %s", gotAssetID)
	}
	if string(gotBody) != "jpeg bytes" {
		t.Errorf("uploaded body = %q", gotBody)
	}
}

func TestImmichUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewImmich("immich", srv.URL, "secret", time.Minute)
	if _, err := d.Upload(context.Background(), immichUpload(t)); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestImmichUploadMissingAssetID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
	}))
	defer srv.Close()

	d := NewImmich("immich", srv.URL, "secret", time.Minute)
	if _, err := d.Upload(context.Background(), immichUpload(t)); err == nil {
		t.Fatal("expected error when response carries no id")
	}
}

func TestImmichVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/assets/asset-123":
			json.NewEncoder(w).Encode(map[string]string{"id": "asset-123"})
		case "/api/assets/asset-gone":
			http.NotFound(w, r)
		default:
			http.Error(w, "nope", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := NewImmich("immich", srv.URL, "secret", time.Minute)
	up := immichUpload(t)

	vs, err := d.Verify(context.Background(), Result{RemoteRef: "asset-123"}, up)
	if err != nil || vs != VerifyMatch {
		t.Errorf("verify existing = (%s, %v), want match", vs, err)
	}

	vs, err = d.Verify(context.Background(), Result{RemoteRef: "asset-gone"}, up)
	if err != nil || vs != VerifyMismatch {
		t.Errorf("verify missing = (%s, %v), want mismatch", vs, err)
	}

	vs, err = d.Verify(context.Background(), Result{RemoteRef: "asset-err"}, up)
	if err == nil || vs != VerifyUnavailable {
		t.Errorf("verify on 500 = (%s, %v), want unavailable with error", vs, err)
	}
}

func TestImmichUploadTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d := NewImmich("immich", srv.URL, "secret", 50*time.Millisecond)
	_, err := d.Upload(context.Background(), immichUpload(t))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout in chain", err)
	}
}
