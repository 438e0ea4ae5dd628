package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/amphorastore/amphora/pkg/faults"
)

// Client wraps the storage HTTP API for easy CLI usage
type Client struct {
	baseURL string
	user    string
	http    *http.Client
}

// New creates a client speaking to addr as the given principal
func New(addr, user string) *Client {
	return &Client{
		baseURL: "http://" + addr + "/v1",
		user:    user,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values,
	body, out interface{}) error {

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-User", c.user)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string   `json:"error"`
			Missing []string `json:"missing"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if len(apiErr.Missing) > 0 {
				return faults.MissingBlocks(apiErr.Missing)
			}
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ListContainers returns the container names of an account.
func (c *Client) ListContainers(ctx context.Context, account string) ([]string, error) {
	var out struct {
		Containers []string `json:"containers"`
	}
	if err := c.do(ctx, http.MethodGet, "/"+account, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Containers, nil
}

// CreateContainer creates a container, optionally with policy values.
func (c *Client) CreateContainer(ctx context.Context, account, container string,
	policy map[string]string) error {

	var body interface{}
	if len(policy) > 0 {
		body = map[string]interface{}{"policy": policy}
	}
	return c.do(ctx, http.MethodPut, "/"+account+"/"+container, nil, body, nil)
}

// DeleteContainer removes a container.
func (c *Client) DeleteContainer(ctx context.Context, account, container string) error {
	return c.do(ctx, http.MethodDelete, "/"+account+"/"+container, nil, nil, nil)
}

// ListedObject is one row of an object listing.
type ListedObject struct {
	Name     string `json:"name"`
	Bytes    int64  `json:"bytes"`
	Hash     string `json:"hash"`
	Type     string `json:"content_type"`
	Modified int64  `json:"last_modified"`
	Version  int64  `json:"version"`
}

// ListObjects returns object rows and rolled-up prefixes of a container.
func (c *Client) ListObjects(ctx context.Context, account, container, prefix,
	delimiter string) ([]ListedObject, []string, error) {

	q := url.Values{"format": {"json"}}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	var out struct {
		Objects  []ListedObject `json:"objects"`
		Prefixes []string       `json:"prefixes"`
	}
	err := c.do(ctx, http.MethodGet, "/"+account+"/"+container, q, nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Objects, out.Prefixes, nil
}

// PutObject uploads raw data as one object.
func (c *Client) PutObject(ctx context.Context, account, container, name,
	contentType string, data []byte) (int64, string, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/"+account+"/"+container+"/"+name, bytes.NewReader(data))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("X-Auth-User", c.user)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return 0, "", fmt.Errorf("upload failed: status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		Version int64  `json:"version"`
		Hash    string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, "", err
	}
	return out.Version, out.Hash, nil
}

// GetObject downloads an object's content.
func (c *Client) GetObject(ctx context.Context, account, container, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/"+account+"/"+container+"/"+name, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-User", c.user)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("download failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DeleteObject removes an object.
func (c *Client) DeleteObject(ctx context.Context, account, container, name string) error {
	return c.do(ctx, http.MethodDelete, "/"+account+"/"+container+"/"+name, nil, nil, nil)
}

// SetPublic publishes an object and returns its public token.
func (c *Client) SetPublic(ctx context.Context, account, container, name string) (string, error) {
	public := true
	var out struct {
		Token string `json:"public_token"`
	}
	err := c.do(ctx, http.MethodPost, "/"+account+"/"+container+"/"+name, nil,
		map[string]interface{}{"public": &public}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}
