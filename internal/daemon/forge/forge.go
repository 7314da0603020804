// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package forge talks to the git forge that delivers webhooks: it
// resolves workflow file contents and lists a repository's workflow
// directory through the forge's REST API.
package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tombee/foreman/internal/daemon/api"
	"github.com/tombee/foreman/pkg/httpclient"
)

// workflowDir is where repositories keep their workflow files.
const workflowDir = ".github/workflows"

// maxFileSize bounds a single fetched workflow file.
const maxFileSize = 4 << 20

// Client reads repository contents from a Gitea-compatible API.
type Client struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	token   string
}

// New creates a forge client. baseURL is the API root, e.g.
// "https://gitea.example.com/api/v1".
func New(logger *slog.Logger, baseURL, token string) (*Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "foremand/1.0"
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating forge http client: %w", err)
	}
	return &Client{
		logger:  logger,
		client:  hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}, nil
}

// HTTPClient exposes the underlying client for collaborators that
// post to the same forge.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// Resolve fetches one file's raw content at a ref. It implements the
// compiler's reusable-workflow file resolver.
func (c *Client) Resolve(repo, ref, path string) ([]byte, error) {
	return c.fetchRaw(context.Background(), repo, ref, path)
}

func (c *Client) fetchRaw(ctx context.Context, repo, ref, path string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/raw/%s", c.baseURL, repo, escapePath(path))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s not found in %s@%s", path, repo, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s from %s: status %d", path, repo, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFileSize))
}

// contentsEntry is the subset of the forge contents listing we read.
type contentsEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// ListWorkflows lists and fetches the repository's workflow files at
// a ref. A repository without a workflow directory is not an error;
// it simply has no workflows.
func (c *Client) ListWorkflows(ctx context.Context, repo, ref string) ([]api.WorkflowFile, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/contents/%s", c.baseURL, repo, escapePath(workflowDir))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing workflows for %s: status %d", repo, resp.StatusCode)
	}

	var entries []contentsEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding workflow listing for %s: %w", repo, err)
	}

	var files []api.WorkflowFile
	for _, entry := range entries {
		if entry.Type != "file" && entry.Type != "" {
			continue
		}
		if !strings.HasSuffix(entry.Name, ".yml") && !strings.HasSuffix(entry.Name, ".yaml") {
			continue
		}
		content, err := c.fetchRaw(ctx, repo, ref, entry.Path)
		if err != nil {
			c.logger.Warn("failed to fetch workflow file",
				slog.String("repo", repo),
				slog.String("path", entry.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		files = append(files, api.WorkflowFile{Path: entry.Path, Content: content})
	}
	return files, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building forge request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	return c.client.Do(req)
}

// escapePath escapes each path segment while keeping separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
