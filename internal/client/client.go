// Package client talks to a running trainer server.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/trainer/internal/httpapi"
	"github.com/CZERTAINLY/trainer/internal/model"
)

// APIError is a non successful response of the server.
type APIError struct {
	StatusCode int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status code: %d, msg: %s", e.StatusCode, e.Msg)
}

type Client struct {
	baseURL *url.URL
	client  *http.Client
}

func New(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://localhost:8000`")
	}

	return &Client{
		baseURL: parsedURL,
		client:  &http.Client{},
	}, nil
}

// Start submits a training job.
func (c *Client) Start(ctx context.Context, req model.TrainRequest) (httpapi.StartResponse, error) {
	form := url.Values{"dataset_path": {req.Dataset}}
	for name, v := range map[string]int{
		"epochs":     req.Params.Epochs,
		"batch_size": req.Params.BatchSize,
		"img_size":   req.Params.ImageSize,
	} {
		if v > 0 {
			form.Set(name, strconv.Itoa(v))
		}
	}
	if req.Params.Model != "" {
		form.Set("model_type", req.Params.Model)
	}

	var resp httpapi.StartResponse
	err := c.do(ctx, http.MethodPost, "/train", nil, strings.NewReader(form.Encode()), &resp)
	return resp, err
}

func (c *Client) Stop(ctx context.Context) (model.StopResult, error) {
	var resp model.StopResult
	err := c.do(ctx, http.MethodPost, "/train/stop", nil, nil, &resp)
	return resp, err
}

func (c *Client) Log(ctx context.Context) (string, error) {
	var resp httpapi.LogResponse
	err := c.do(ctx, http.MethodGet, "/train/log", nil, nil, &resp)
	return resp.Log, err
}

func (c *Client) Status(ctx context.Context) (httpapi.StatusResponse, error) {
	var resp httpapi.StatusResponse
	err := c.do(ctx, http.MethodGet, "/train/status", nil, nil, &resp)
	return resp, err
}

// Jobs lists the job history, limit <= 0 uses the server default.
func (c *Client) Jobs(ctx context.Context, limit int) ([]model.Job, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []model.Job
	err := c.do(ctx, http.MethodGet, "/train/jobs", q, nil, &resp)
	return resp, err
}

// Follow copies the log stream to w until ctx is canceled or the server
// closes the stream.
func (c *Client) Follow(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/train/log/stream", nil), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var event []string
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			data, ok := strings.CutPrefix(line, "data: ")
			if ok {
				event = append(event, data)
			}
			continue
		}
		if _, err := io.WriteString(w, strings.Join(event, "\n")); err != nil {
			return err
		}
		event = event[:0]
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) url(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "application/json" {
		return fmt.Errorf("expected `application/json` content type, got: %s", contentType)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/json" {
		var body httpapi.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Msg: body.Msg}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &APIError{StatusCode: resp.StatusCode, Msg: strings.TrimSpace(string(respBody))}
}
