package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperjump/bimingest/internal/cli"
	"github.com/hyperjump/bimingest/internal/models"
)

// apiClient talks to a running bimingest server. Using the server while it
// runs avoids competing with it for the database and the Bleve index lock.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(serverURL string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/") + "/api/v1",
		http: &http.Client{Timeout: 30 * time.Minute},
	}
}

// modelResponse mirrors GET /models/{id}.
type modelResponse struct {
	models.Model
	Status      models.ModelStatus `json:"status"`
	ActiveLayer models.Layer       `json:"active_layer,omitempty"`
}

func (c *apiClient) do(method, path string, body io.Reader, contentType string, want int) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (c *apiClient) getJSON(path string, out interface{}) error {
	resp, err := c.do(http.MethodGet, path, nil, "", http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) sendJSON(method, path string, in interface{}, want int) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	resp, err := c.do(method, path, body, contentType, want)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Upload posts a model file as the raw request body.
func (c *apiClient) Upload(body io.Reader, filename, schema string, geometry bool) (*modelResponse, error) {
	q := url.Values{}
	q.Set("filename", filename)
	if schema != "" {
		q.Set("schema", schema)
	}
	if !geometry {
		q.Set("geometry", "false")
	}
	resp, err := c.do(http.MethodPost, "/models?"+q.Encode(), body, "application/octet-stream", http.StatusAccepted)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var m modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &m, nil
}

func (c *apiClient) Model(id string) (*modelResponse, error) {
	var m modelResponse
	if err := c.getJSON("/models/"+url.PathEscape(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *apiClient) Models(offset, limit int) ([]*models.Model, error) {
	var out struct {
		Models []*models.Model `json:"models"`
	}
	path := fmt.Sprintf("/models?offset=%d&limit=%d", offset, limit)
	if err := c.getJSON(path, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Entities fetches one page of entities. filter.ModelID selects the model.
func (c *apiClient) Entities(filter models.EntityFilter) (*cli.EntityPage, error) {
	q := url.Values{}
	if filter.CanonicalType != "" {
		q.Set("type", filter.CanonicalType)
	}
	if filter.ContainerGUID != "" {
		q.Set("container", filter.ContainerGUID)
	}
	if filter.GeometryStatus != "" {
		q.Set("geometry_status", string(filter.GeometryStatus))
	}
	q.Set("limit", fmt.Sprint(filter.Limit))
	q.Set("offset", fmt.Sprint(filter.Offset))
	var page cli.EntityPage
	if err := c.getJSON("/models/"+url.PathEscape(filter.ModelID)+"/entities?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *apiClient) Reports(modelID string) ([]*models.ProcessingReport, error) {
	var out struct {
		Reports []*models.ProcessingReport `json:"reports"`
	}
	if err := c.getJSON("/models/"+url.PathEscape(modelID)+"/reports", &out); err != nil {
		return nil, err
	}
	return out.Reports, nil
}

func (c *apiClient) Report(modelID, reportID string) (*models.ProcessingReport, error) {
	var r models.ProcessingReport
	if err := c.getJSON("/models/"+url.PathEscape(modelID)+"/reports/"+url.PathEscape(reportID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *apiClient) RetryGeometry(modelID string) error {
	return c.sendJSON(http.MethodPost, "/models/"+url.PathEscape(modelID)+"/geometry", nil, http.StatusAccepted)
}

func (c *apiClient) Delete(modelID string) error {
	return c.sendJSON(http.MethodDelete, "/models/"+url.PathEscape(modelID), nil, http.StatusOK)
}

// Export streams the schedule workbook of a model to w.
func (c *apiClient) Export(modelID string, w io.Writer) error {
	resp, err := c.do(http.MethodGet, "/models/"+url.PathEscape(modelID)+"/export.xlsx", nil, "", http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *apiClient) WatchDirectories() ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := c.getJSON("/watch/directories", &out); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

func (c *apiClient) AddWatchDirectory(path string) error {
	body := map[string]interface{}{"path": path, "sync": true}
	return c.sendJSON(http.MethodPost, "/watch/directories", body, http.StatusCreated)
}

func (c *apiClient) RemoveWatchDirectory(path string) error {
	return c.sendJSON(http.MethodDelete, "/watch/directories?path="+url.QueryEscape(path), nil, http.StatusOK)
}
