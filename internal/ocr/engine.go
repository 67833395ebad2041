package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/retracehq/retrace/internal/models"
)

// Engine extracts positioned text from a capture image. Recognize returns an
// empty slice for an image with no readable text; the caller records the
// sentinel row in that case.
type Engine interface {
	Recognize(ctx context.Context, imagePath string) ([]models.OCRToken, error)
}

// HTTPEngine calls a local recognition sidecar over HTTP. The sidecar receives
// the image as base64 JPEG and answers with token boxes in image coordinates.
type HTTPEngine struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPEngine(baseURL string) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type recognizeRequest struct {
	Image string `json:"image"`
}

type recognizeResponse struct {
	Tokens []struct {
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
		W        float64 `json:"w"`
		H        float64 `json:"h"`
		Text     string  `json:"text"`
		Conf     float64 `json:"conf"`
		BlockNum int64   `json:"block_num"`
		LineNum  int64   `json:"line_num"`
	} `json:"tokens"`
	Error string `json:"error,omitempty"`
}

func (e *HTTPEngine) Recognize(ctx context.Context, imagePath string) ([]models.OCRToken, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	reqBody := recognizeRequest{
		Image: base64.StdEncoding.EncodeToString(imageData),
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/recognize", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recognition endpoint returned status %d", resp.StatusCode)
	}

	var recResp recognizeResponse
	if err := json.Unmarshal(body, &recResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if recResp.Error != "" {
		return nil, fmt.Errorf("recognition error: %s", recResp.Error)
	}

	tokens := make([]models.OCRToken, 0, len(recResp.Tokens))
	for _, t := range recResp.Tokens {
		text := t.Text
		tokens = append(tokens, models.OCRToken{
			X:        t.X,
			Y:        t.Y,
			W:        t.W,
			H:        t.H,
			Text:     &text,
			Conf:     t.Conf,
			BlockNum: t.BlockNum,
			LineNum:  t.LineNum,
		})
	}
	return tokens, nil
}

// Ping verifies the sidecar is up.
func (e *HTTPEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach recognition endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recognition endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
