// Package blackbox is the HTTP client for the external inference job runner.
package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
)

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// Client implements inference.Processor against the runner's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for base, for example http://localhost:8000.
// A nil hc uses a client without its own timeout; callers bound calls with ctx.
func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

type processRequest struct {
	UserID string                `json:"userId"`
	Data   ledger.DatasetContent `json:"data"`
}

type processResponse struct {
	Success bool                    `json:"success"`
	Images  []ledger.ProcessedImage `json:"images"`
	Videos  []ledger.ProcessedVideo `json:"videos"`
	Error   string                  `json:"error"`
}

// Process posts the dataset to /process-dataset and waits for the outputs.
// Transport failures, non-2xx replies and success=false map to errs.ErrJobDispatch.
func (c *Client) Process(ctx context.Context, userID uuid.UUID, content ledger.DatasetContent) ([]ledger.ProcessedImage, []ledger.ProcessedVideo, error) {
	body, err := json.Marshal(processRequest{UserID: userID.String(), Data: content})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/process-dataset", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrJobDispatch, err)
	}
	defer resp.Body.Close()

	var out processResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, nil, fmt.Errorf("%w: runner returned %d: %s", errs.ErrJobDispatch, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, nil, fmt.Errorf("%w: decode response: %v", errs.ErrJobDispatch, decodeErr)
	}
	if !out.Success {
		return nil, nil, fmt.Errorf("%w: %s", errs.ErrJobDispatch, out.Error)
	}
	if out.Images == nil {
		out.Images = []ledger.ProcessedImage{}
	}
	if out.Videos == nil {
		out.Videos = []ledger.ProcessedVideo{}
	}
	return out.Images, out.Videos, nil
}

// Health calls /health with a short timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner health: %s", resp.Status)
	}
	return nil
}
