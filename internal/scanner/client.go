package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"checkin/internal/attendance"
)

// Client calls the check-in API on behalf of a station or operator.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient creates a client authenticating with a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Validate posts a scan to /v1/scans. API errors come back as
// *attendance.Error with the server's kind; network failures are
// transient.
func (c *Client) Validate(ctx context.Context, req attendance.ScanRequest) (attendance.Outcome, error) {
	body, _ := json.Marshal(struct {
		Payload  string               `json:"payload"`
		Location *attendance.GeoPoint `json:"location,omitempty"`
	}{req.Payload, req.Location})

	var out attendance.Outcome
	err := c.do(ctx, http.MethodPost, "/v1/scans", body, &out)
	return out, err
}

// Records lists the roster of an activity.
func (c *Client) Records(ctx context.Context, activityID string) ([]attendance.RosterEntry, error) {
	var out struct {
		Records []attendance.RosterEntry `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/activities/"+url.PathEscape(activityID)+"/records", nil, &out)
	return out.Records, err
}

// Scans lists accepted scans of a code, most recent first.
func (c *Client) Scans(ctx context.Context, code string, limit int) ([]attendance.ScanEntry, error) {
	path := "/v1/codes/" + url.PathEscape(code) + "/scans"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Scans []attendance.ScanEntry `json:"scans"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Scans, err
}

// RegisterStation exchanges the enrollment key for a staff token and
// keeps it on the client.
func (c *Client) RegisterStation(ctx context.Context, stationID, enrollmentKey string) (string, time.Time, error) {
	body, _ := json.Marshal(map[string]string{"station_id": stationID, "enrollment_key": enrollmentKey})
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/stations/register", body, &out); err != nil {
		return "", time.Time{}, err
	}
	c.Token = out.AccessToken
	return out.AccessToken, time.Unix(out.ExpiresAt, 0), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &attendance.Error{Kind: attendance.KindTransientIO, Message: "check-in service unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &attendance.Error{Kind: attendance.KindTransientIO, Message: "decode response", Err: err}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(bodyBytes, &apiErr) == nil {
		switch k := attendance.Kind(apiErr.Error); k {
		case attendance.KindWindowNotOpen, attendance.KindTokenExpired, attendance.KindInvalidCode,
			attendance.KindDuplicate, attendance.KindAlreadySettled, attendance.KindBadRequest:
			return &attendance.Error{Kind: k, Message: apiErr.Message}
		}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &attendance.Error{Kind: attendance.KindBadRequest, Message: fmt.Sprintf("check-in service refused credentials: %s", resp.Status)}
	}
	return &attendance.Error{
		Kind:    attendance.KindTransientIO,
		Message: "temporary failure, please retry",
		Err:     fmt.Errorf("check-in service error %s: %s", resp.Status, string(bodyBytes)),
	}
}
