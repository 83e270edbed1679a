package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Client calls the external object-detector service. The service takes
// a JPEG frame and returns the objects it found.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Detect submits one frame and returns the raw detections.
func (c *Client) Detect(ctx context.Context, jpeg []byte) ([]Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(jpeg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("detector returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}
	return result.Detections, nil
}

// ClassFilter tracks which allowed object classes have been seen
// recently. A class stays present for the sliding window after its
// last sighting, bridging the detector's frame-to-frame misses.
type ClassFilter struct {
	allowed  map[string]bool
	lastSeen map[string]time.Time
}

// NewClassFilter builds a filter from a comma-separated class list.
// An empty list allows every class.
func NewClassFilter(classes string) *ClassFilter {
	f := &ClassFilter{lastSeen: make(map[string]time.Time)}
	classes = strings.TrimSpace(classes)
	if classes != "" {
		f.allowed = make(map[string]bool)
		for _, c := range strings.Split(classes, ",") {
			if c = strings.TrimSpace(c); c != "" {
				f.allowed[c] = true
			}
		}
	}
	return f
}

// Observe records detections at time now, dropping low-confidence and
// disallowed classes.
func (f *ClassFilter) Observe(detections []Detection, now time.Time) {
	for _, det := range detections {
		if det.Confidence < aiMinConfidence {
			continue
		}
		if f.allowed != nil && !f.allowed[det.Class] {
			continue
		}
		f.lastSeen[det.Class] = now
	}
}

// Present reports whether any allowed class was seen within the window.
func (f *ClassFilter) Present(now time.Time) bool {
	for class, seen := range f.lastSeen {
		if now.Sub(seen) <= aiWindow {
			return true
		}
		delete(f.lastSeen, class)
	}
	return false
}

// Classes returns the classes seen within the window as a sorted
// comma-separated list. Used as the event reason.
func (f *ClassFilter) Classes(now time.Time) string {
	var present []string
	for class, seen := range f.lastSeen {
		if now.Sub(seen) <= aiWindow {
			present = append(present, class)
		}
	}
	if len(present) == 0 {
		return ""
	}
	sort.Strings(present)
	return strings.Join(present, ",")
}
