package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	tavilySearchURL  = "https://api.tavily.com/search"
	tavilyExtractURL = "https://api.tavily.com/extract"

	// Upper bound on a Tavily response body.
	maxTavilyResponseBytes = 4 << 20
)

// tavilyClient talks to the Tavily search and extract endpoints on behalf
// of the server-side tools.
type tavilyClient struct {
	apiKey     string
	searchURL  string
	extractURL string
	client     *http.Client
}

func newTavilyClient(apiKey string, client *http.Client) *tavilyClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &tavilyClient{
		apiKey:     apiKey,
		searchURL:  tavilySearchURL,
		extractURL: tavilyExtractURL,
		client:     client,
	}
}

type tavilySearchResult struct {
	Title   string  `json:"title"`
	Url     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilySearchResponse struct {
	Query   string               `json:"query"`
	Results []tavilySearchResult `json:"results"`
}

type tavilyExtractResult struct {
	Url        string `json:"url"`
	RawContent string `json:"raw_content"`
}

type tavilyExtractResponse struct {
	Results []tavilyExtractResult `json:"results"`
}

// search runs a basic-depth search limited to maxResults hits.
func (c *tavilyClient) search(ctx context.Context, query string, maxResults int) (*tavilySearchResponse, error) {
	body := map[string]any{
		"api_key":        c.apiKey,
		"query":          query,
		"max_results":    maxResults,
		"search_depth":   "basic",
		"include_answer": false,
	}
	resp := &tavilySearchResponse{}
	if err := c.post(ctx, c.searchURL, body, resp); err != nil {
		return nil, err
	}
	resp.Query = query
	return resp, nil
}

// extract fetches the raw content of the given urls.
func (c *tavilyClient) extract(ctx context.Context, urls []string) (*tavilyExtractResponse, error) {
	body := map[string]any{
		"api_key": c.apiKey,
		"urls":    urls,
	}
	resp := &tavilyExtractResponse{}
	if err := c.post(ctx, c.extractURL, body, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *tavilyClient) post(ctx context.Context, url string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTavilyResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tavily: status %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}
