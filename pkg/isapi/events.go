package isapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// eventMinors are the sub-codes of major 5 (access control events) that carry
// a credential reference: card and face grants and their denial variants.
// Door open/close operator events have no credential and are skipped.
var eventMinors = []int{1, 9, 75, 76, 10, 11, 12, 13}

// eventWindow is how far back the journal query reaches. Devices require an
// explicit time window for useful results.
const eventWindow = 48 * time.Hour

// Event is one normalized entry from a device's access-control journal.
type Event struct {
	Time       string `json:"time"`
	DoorNo     int    `json:"door_no"`
	CardNo     string `json:"card_no,omitempty"`
	EmployeeNo string `json:"employee_no,omitempty"`
	Name       string `json:"name,omitempty"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	SerialNo   int64  `json:"serial_no,omitempty"`
	PictureURL string `json:"picture_url,omitempty"`
}

// acsEventCond is the journal search condition. Field names follow the
// vendor schema.
type acsEventCond struct {
	SearchID             string `json:"searchID"`
	SearchResultPosition int    `json:"searchResultPosition"`
	MaxResults           int    `json:"maxResults"`
	Major                int    `json:"major"`
	Minor                int    `json:"minor"`
	StartTime            string `json:"startTime"`
	EndTime              string `json:"endTime"`
	TimeReverseOrder     bool   `json:"timeReverseOrder"`
}

// acsEventInfo mirrors one raw journal row.
type acsEventInfo struct {
	Time             string `json:"time"`
	DoorNo           int    `json:"doorNo"`
	CardNo           string `json:"cardNo"`
	Name             string `json:"name"`
	EmployeeNoString string `json:"employeeNoString"`
	Major            int    `json:"major"`
	Minor            int    `json:"minor"`
	SerialNo         int64  `json:"serialNo"`
	PictureURL       string `json:"pictureURL"`
}

// RecentEvents queries the device journal for the latest credential-bearing
// access events, newest first. The loc parameter renders the search window in
// the device's local timezone.
func (c *Client) RecentEvents(ctx context.Context, limit int, loc *time.Location) ([]Event, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 30 {
		limit = 30
	}
	if loc == nil {
		loc = time.Local
	}
	now := time.Now().In(loc)
	cond := acsEventCond{
		SearchID:             "1",
		SearchResultPosition: 0,
		MaxResults:           limit,
		StartTime:            now.Add(-eventWindow).Format("2006-01-02T15:04:05-07:00"),
		EndTime:              now.Format("2006-01-02T15:04:05-07:00"),
		TimeReverseOrder:     true,
	}

	var merged []Event
	for _, minor := range eventMinors {
		cond.Major = 5
		cond.Minor = minor
		rows, err := c.fetchEvents(ctx, cond)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.CardNo == "" && r.EmployeeNoString == "" {
				continue
			}
			merged = append(merged, Event{
				Time:       r.Time,
				DoorNo:     r.DoorNo,
				CardNo:     r.CardNo,
				EmployeeNo: r.EmployeeNoString,
				Name:       r.Name,
				Major:      r.Major,
				Minor:      r.Minor,
				SerialNo:   r.SerialNo,
				PictureURL: r.PictureURL,
			})
		}
		if len(merged) >= limit {
			break
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Time > merged[j].Time })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// fetchEvents runs one journal search.
func (c *Client) fetchEvents(ctx context.Context, cond acsEventCond) ([]acsEventInfo, error) {
	payload, err := json.Marshal(map[string]acsEventCond{"AcsEventCond": cond})
	if err != nil {
		return nil, fmt.Errorf("isapi: encode event query: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost,
		c.base+"/ISAPI/AccessControl/AcsEvent?format=json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("isapi: build event query: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("isapi: event query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("isapi: event query returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("isapi: read event response: %w", err)
	}
	var body struct {
		AcsEvent struct {
			InfoList []acsEventInfo `json:"InfoList"`
		} `json:"AcsEvent"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("isapi: decode event response: %w", err)
	}
	return body.AcsEvent.InfoList, nil
}
