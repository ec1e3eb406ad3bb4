// Package detection implements the gateway to the external vision
// service over its HTTP contract.
package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net"
	"net/http"
	"time"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/port"
)

// HTTPClient calls the vision service's POST /detect endpoint. Every
// call is bounded by the configured timeout regardless of the caller's
// context, so a stuck detector can never block a session indefinitely.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	httpc   *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		timeout: timeout,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type detectRequest struct {
	ImageBase64         string  `json:"image_base64"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

type detectResponse struct {
	Success bool `json:"success"`
	Results struct {
		DetectedTools []struct {
			ClassName        string  `json:"class_name"`
			Confidence       float64 `json:"confidence"`
			DetectedQuantity int     `json:"detected_quantity"`
		} `json:"detected_tools"`
		TotalDetected  int     `json:"total_detected"`
		ProcessingTime float64 `json:"processing_time"`
	} `json:"results"`
}

// ValidateImage reports ErrMalformedImage when the payload does not
// decode as JPEG or PNG. Header sniffing only; no full decode.
func ValidateImage(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", port.ErrMalformedImage)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", port.ErrMalformedImage, err)
	}
	return nil
}

func (c *HTTPClient) Detect(ctx context.Context, img []byte, threshold float64) (*domain.DetectionResult, error) {
	// Undecodable input never burns a detector round trip.
	if err := ValidateImage(img); err != nil {
		return nil, err
	}

	body, err := json.Marshal(detectRequest{
		ImageBase64:         base64.StdEncoding.EncodeToString(img),
		ConfidenceThreshold: threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("encode detect request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", port.ErrDetectorTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", port.ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: rejected by detector", port.ErrMalformedImage)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", port.ErrDetectorUnavailable, resp.StatusCode)
	}

	var dr detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("%w: bad response body: %v", port.ErrDetectorUnavailable, err)
	}
	if !dr.Success {
		return nil, fmt.Errorf("%w: detector reported failure", port.ErrDetectorUnavailable)
	}

	result := &domain.DetectionResult{
		TotalDetected:  dr.Results.TotalDetected,
		ProcessingTime: time.Duration(dr.Results.ProcessingTime * float64(time.Millisecond)),
	}
	for _, t := range dr.Results.DetectedTools {
		conf := t.Confidence
		// The service reports percentages; normalize to [0,1].
		if conf > 1 {
			conf /= 100
		}
		if conf < threshold {
			continue
		}
		result.Tools = append(result.Tools, domain.Detection{
			Class:      t.ClassName,
			Confidence: conf,
			Count:      t.DetectedQuantity,
		})
	}
	return result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
