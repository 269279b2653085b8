package isapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// validity is the shared validity window rendered into person and card
// records. Times are local naive strings (YYYY-MM-DDTHH:MM:SS) in the tenant
// timezone; the device applies them with timeType "local".
type validity struct {
	Enable    bool   `json:"enable"`
	BeginTime string `json:"beginTime"`
	EndTime   string `json:"endTime"`
	TimeType  string `json:"timeType"`
}

// userInfo is the person record body for the UserInfo endpoint.
type userInfo struct {
	EmployeeNo string      `json:"employeeNo"`
	Name       string      `json:"name"`
	UserType   string      `json:"userType"`
	DoorRight  string      `json:"doorRight"`
	RightPlan  []rightPlan `json:"RightPlan"`
	Valid      validity    `json:"Valid"`
}

type rightPlan struct {
	DoorNo         int    `json:"doorNo"`
	PlanTemplateNo string `json:"planTemplateNo"`
}

// cardInfo is the card record body for the CardInfo endpoint.
type cardInfo struct {
	EmployeeNo string   `json:"employeeNo"`
	CardNo     string   `json:"cardNo"`
	CardType   string   `json:"cardType"`
	CardValid  validity `json:"cardValid"`
}

// ProvisionRequest describes one person+card credential to install on a
// device. BeginTime and EndTime must already be rendered as local naive
// YYYY-MM-DDTHH:MM:SS strings.
type ProvisionRequest struct {
	EmployeeNo string
	Name       string
	CardNo     string
	BeginTime  string
	EndTime    string
	DoorRight  int // defaults to 1
}

// StepResult is the outcome of one provisioning call.
type StepResult struct {
	Success bool
	Status  int
}

// ProvisionResult reports both provisioning steps. Success requires both.
type ProvisionResult struct {
	Success bool
	User    StepResult
	Card    StepResult
}

// CreateUserAndCard installs a person record and then attaches a normal-card
// credential with the same validity window. Both calls must succeed; the
// card step is skipped when the person create fails.
func (c *Client) CreateUserAndCard(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	doorRight := req.DoorRight
	if doorRight <= 0 {
		doorRight = 1
	}
	valid := validity{
		Enable:    true,
		BeginTime: req.BeginTime,
		EndTime:   req.EndTime,
		TimeType:  "local",
	}

	user := map[string]userInfo{"UserInfo": {
		EmployeeNo: req.EmployeeNo,
		Name:       req.Name,
		UserType:   "normal",
		DoorRight:  fmt.Sprintf("%d", doorRight),
		RightPlan:  []rightPlan{{DoorNo: 1, PlanTemplateNo: "1"}},
		Valid:      valid,
	}}
	userRes, err := c.postJSON(ctx, "/ISAPI/AccessControl/UserInfo/Record?format=json", user)
	if err != nil {
		return ProvisionResult{User: userRes}, fmt.Errorf("isapi: create user %s: %w", req.EmployeeNo, err)
	}
	if !userRes.Success {
		slog.Warn("person record rejected", "host", c.host, "employee_no", req.EmployeeNo, "status", userRes.Status)
		return ProvisionResult{User: userRes}, nil
	}

	card := map[string]cardInfo{"CardInfo": {
		EmployeeNo: req.EmployeeNo,
		CardNo:     req.CardNo,
		CardType:   "normalCard",
		CardValid:  valid,
	}}
	cardRes, err := c.postJSON(ctx, "/ISAPI/AccessControl/CardInfo/Record?format=json", card)
	if err != nil {
		return ProvisionResult{User: userRes, Card: cardRes}, fmt.Errorf("isapi: create card on %s: %w", c.host, err)
	}
	if !cardRes.Success {
		slog.Warn("card record rejected", "host", c.host, "employee_no", req.EmployeeNo, "status", cardRes.Status)
	}

	return ProvisionResult{
		Success: userRes.Success && cardRes.Success,
		User:    userRes,
		Card:    cardRes,
	}, nil
}

// postJSON posts a JSON body and interprets the device's mixed success
// conventions.
func (c *Client) postJSON(ctx context.Context, path string, body any) (StepResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return StepResult{}, fmt.Errorf("encode body: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return StepResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return StepResult{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	ok := resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusNoContent ||
		jsonStatusOK(raw)
	return StepResult{Success: ok, Status: resp.StatusCode}, nil
}
