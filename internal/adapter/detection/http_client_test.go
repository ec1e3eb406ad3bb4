package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkharitonov/toolcrib/internal/port"
)

// testImage returns a tiny but real PNG payload.
func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestDetect_NormalizesAndFilters(t *testing.T) {
	var gotReq detectRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/detect" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"results": {
				"detected_tools": [
					{"class_name": "hammer", "confidence": 92.5, "detected_quantity": 2},
					{"class_name": "wrench", "confidence": 30.0, "detected_quantity": 1},
					{"class_name": "pliers", "confidence": 0.8, "detected_quantity": 3}
				],
				"total_detected": 6,
				"processing_time": 120.5
			}
		}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	result, err := client.Detect(context.Background(), testImage(t), 0.5)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}

	if gotReq.ImageBase64 == "" {
		t.Error("image not forwarded as base64")
	}
	if gotReq.ConfidenceThreshold != 0.5 {
		t.Errorf("threshold not forwarded: %v", gotReq.ConfidenceThreshold)
	}

	// wrench at 30% falls below the 0.5 threshold.
	if len(result.Tools) != 2 {
		t.Fatalf("expected 2 tools after filtering, got %+v", result.Tools)
	}
	hammer := result.Tools[0]
	if hammer.Class != "hammer" || hammer.Count != 2 {
		t.Errorf("unexpected first tool: %+v", hammer)
	}
	if hammer.Confidence < 0.924 || hammer.Confidence > 0.926 {
		t.Errorf("percent confidence not normalized: %v", hammer.Confidence)
	}
	// Already-fractional confidences pass through untouched.
	if result.Tools[1].Class != "pliers" || result.Tools[1].Confidence != 0.8 {
		t.Errorf("unexpected second tool: %+v", result.Tools[1])
	}
	if result.TotalDetected != 6 {
		t.Errorf("expected total 6, got %d", result.TotalDetected)
	}
	if result.ProcessingTime != 120500*time.Microsecond {
		t.Errorf("unexpected processing time: %v", result.ProcessingTime)
	}
}

func TestDetect_MalformedImageLocally(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.Detect(context.Background(), []byte("not an image"), 0.5)
	if !errors.Is(err, port.ErrMalformedImage) {
		t.Fatalf("expected ErrMalformedImage, got: %v", err)
	}
	if called {
		t.Error("undecodable payload must not reach the detector")
	}
}

func TestDetect_BadRequestMapsToMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.Detect(context.Background(), testImage(t), 0.5)
	if !errors.Is(err, port.ErrMalformedImage) {
		t.Fatalf("expected ErrMalformedImage, got: %v", err)
	}
}

func TestDetect_ServerErrorMapsToUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.Detect(context.Background(), testImage(t), 0.5)
	if !errors.Is(err, port.ErrDetectorUnavailable) {
		t.Fatalf("expected ErrDetectorUnavailable, got: %v", err)
	}
}

func TestDetect_ReportedFailureMapsToUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.Detect(context.Background(), testImage(t), 0.5)
	if !errors.Is(err, port.ErrDetectorUnavailable) {
		t.Fatalf("expected ErrDetectorUnavailable, got: %v", err)
	}
}

func TestDetect_ConnectionRefusedMapsToUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.Detect(context.Background(), testImage(t), 0.5)
	if !errors.Is(err, port.ErrDetectorUnavailable) {
		t.Fatalf("expected ErrDetectorUnavailable, got: %v", err)
	}
}

func TestDetect_TimeoutMapsToTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 50*time.Millisecond)
	_, err := client.Detect(context.Background(), testImage(t), 0.5)
	if !errors.Is(err, port.ErrDetectorTimeout) {
		t.Fatalf("expected ErrDetectorTimeout, got: %v", err)
	}
}

func TestValidateImage(t *testing.T) {
	if err := ValidateImage(testImage(t)); err != nil {
		t.Errorf("valid png rejected: %v", err)
	}
	if err := ValidateImage(nil); !errors.Is(err, port.ErrMalformedImage) {
		t.Errorf("expected ErrMalformedImage for empty payload, got: %v", err)
	}
	if err := ValidateImage([]byte("garbage")); !errors.Is(err, port.ErrMalformedImage) {
		t.Errorf("expected ErrMalformedImage for garbage, got: %v", err)
	}
}
