package detector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDetect_UploadsMultipartImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/detect" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "42.jpg" || string(data) != "jpeg-bytes" {
			t.Errorf("got file %q with %q", header.Filename, data)
		}
		json.NewEncoder(w).Encode(DetectResponse{Detections: []Box{
			{ClassName: "bottle", Confidence: 0.91234567, BBox: []float64{1, 2, 3, 4}},
			{ClassName: "person", Confidence: 0.5},
		}})
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "42.jpg")
	if err := os.WriteFile(img, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	boxes, err := NewClient(srv.URL+"/", time.Second).Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(boxes) != 2 || boxes[0].ClassName != "bottle" || boxes[0].Confidence != 0.91234567 {
		t.Errorf("boxes = %+v", boxes)
	}
}

func TestDetect_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "1.jpg")
	os.WriteFile(img, []byte("x"), 0o644)

	if _, err := NewClient(srv.URL, time.Second).Detect(context.Background(), img); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestDetect_MissingImage(t *testing.T) {
	if _, err := NewClient("http://127.0.0.1:0", time.Second).Detect(context.Background(), "/does/not/exist.jpg"); err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestGetModelInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/model/info" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"model":"yolov8n.pt","loaded":true,"device":"cpu","classes":["person","bottle"]}`))
	}))
	defer srv.Close()

	info, err := NewClient(srv.URL, time.Second).GetModelInfo(context.Background())
	if err != nil {
		t.Fatalf("GetModelInfo: %v", err)
	}
	if info.Model != "yolov8n.pt" || !info.Loaded || len(info.Classes) != 2 {
		t.Errorf("info = %+v", info)
	}
}
