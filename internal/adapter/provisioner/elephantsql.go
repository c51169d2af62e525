package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/semmidev/dbrefresh/internal/config"
	"github.com/semmidev/dbrefresh/internal/domain"
)

const defaultTimeout = 30 * time.Second

type (
	// ElephantSQL talks to the ElephantSQL customer API.
	ElephantSQL struct {
		httpClient *http.Client
		baseURL    string
		apiKey     string
		plan       string
		region     string
	}

	instancePayload struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		URL    string `json:"url"`
		Plan   string `json:"plan"`
		Region string `json:"region"`
	}

	requestParams struct {
		method   string
		path     string
		form     url.Values
		response interface{}
	}
)

func NewElephantSQL(cfg config.RotationConfig, httpClient *http.Client) *ElephantSQL {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &ElephantSQL{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		plan:       cfg.Plan,
		region:     cfg.Region,
	}
}

func (e *ElephantSQL) List(ctx context.Context) ([]domain.Instance, error) {
	var payload []instancePayload
	if err := e.do(ctx, requestParams{method: http.MethodGet, path: "/instances", response: &payload}); err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]domain.Instance, 0, len(payload))
	for _, p := range payload {
		instances = append(instances, p.toDomain())
	}
	return instances, nil
}

func (e *ElephantSQL) Get(ctx context.Context, id int64) (domain.Instance, error) {
	var payload instancePayload
	if err := e.do(ctx, requestParams{method: http.MethodGet, path: instancePath(id), response: &payload}); err != nil {
		return domain.Instance{}, fmt.Errorf("failed to get instance %d: %w", id, err)
	}
	if payload.ID == 0 {
		payload.ID = id
	}
	return payload.toDomain(), nil
}

func (e *ElephantSQL) Create(ctx context.Context, name string) (domain.Instance, error) {
	form := url.Values{}
	form.Set("name", name)
	form.Set("plan", e.plan)
	form.Set("region", e.region)

	var payload instancePayload
	if err := e.do(ctx, requestParams{method: http.MethodPost, path: "/instances", form: form, response: &payload}); err != nil {
		return domain.Instance{}, fmt.Errorf("failed to create instance %s: %w", name, err)
	}
	if payload.Name == "" {
		payload.Name = name
	}
	return payload.toDomain(), nil
}

func (e *ElephantSQL) Delete(ctx context.Context, id int64) error {
	if err := e.do(ctx, requestParams{method: http.MethodDelete, path: instancePath(id)}); err != nil {
		return fmt.Errorf("failed to delete instance %d: %w", id, err)
	}
	return nil
}

func (e *ElephantSQL) do(ctx context.Context, params requestParams) error {
	var body io.Reader
	if params.form != nil {
		body = strings.NewReader(params.form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, params.method, e.baseURL+params.path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProvisioning, err)
	}
	req.SetBasicAuth("", e.apiKey)
	req.Header.Set("Accept", "application/json")
	if params.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProvisioning, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrProvisioning, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d: %s", domain.ErrProvisioning, params.method, params.path, resp.StatusCode, apiMessage(responseBody))
	}

	if params.response != nil && len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, params.response); err != nil {
			return fmt.Errorf("%w: decode response: %v", domain.ErrProvisioning, err)
		}
	}
	return nil
}

func (p instancePayload) toDomain() domain.Instance {
	return domain.Instance{ID: p.ID, Name: p.Name, URL: p.URL, Plan: p.Plan, Region: p.Region}
}

func instancePath(id int64) string {
	return "/instances/" + strconv.FormatInt(id, 10)
}

func apiMessage(body []byte) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Error != "" {
			return apiErr.Error
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}

var _ domain.Provisioner = (*ElephantSQL)(nil)
