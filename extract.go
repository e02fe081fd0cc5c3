package main

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/teegate/teegate/protocol"
)

// extractHandler streams a document upload into the extraction upstream and
// streams the converted result back. The request body carries the options;
// the document itself arrives as upload chunks through the stream registry.
type extractHandler struct {
	upstream string
	client   *http.Client
}

func newExtractHandler(upstream string, client *http.Client) *extractHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &extractHandler{upstream: upstream, client: client}
}

// extractOptions is the JSON schema of the request body.
type extractOptions struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	TotalLength int64  `json:"total_length"`
}

func (o extractOptions) contentTypeOrDefault() string {
	if o.ContentType != "" {
		return o.ContentType
	}
	return "application/octet-stream"
}

type upstreamResult struct {
	resp *http.Response
	err  error
}

func (h *extractHandler) Handle(ctx context.Context, req *protocol.Request, registry *streamRegistry) (handlerResponse, error) {
	if req.Chunk == nil {
		return nil, statusErrorf(400, "Streaming required for document extraction")
	}
	opts, err := h.parseOptions(req)
	if err != nil {
		return nil, err
	}

	// The write end is the registry sink; the read end feeds the upstream
	// request body through a multipart encoder.
	pr, pw := io.Pipe()
	if _, err := registry.createStream(req.Id, pw); err != nil {
		pr.Close()
		return nil, statusErrorf(400, "Document extraction failed: %v", err)
	}

	bodyReader, bodyWriter := io.Pipe()
	mw := multipart.NewWriter(bodyWriter)
	go func() {
		part, err := mw.CreateFormFile("file", opts.Filename)
		if err == nil {
			_, err = io.Copy(part, pr)
		}
		if err == nil {
			err = mw.Close()
		}
		bodyWriter.CloseWithError(err)
	}()

	resultCh := make(chan upstreamResult, 1)
	go func() {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.upstream+"/convert", bodyReader)
		if err != nil {
			pr.CloseWithError(err)
			resultCh <- upstreamResult{err: err}
			return
		}
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		httpReq.Header.Set("X-Source-Content-Type", opts.contentTypeOrDefault())

		resp, err := h.client.Do(httpReq)
		if err != nil {
			// Completion hook: a dead upstream must unblock any chunk write
			// still parked on a full pipe.
			pr.CloseWithError(err)
			resultCh <- upstreamResult{err: err}
			return
		}
		resultCh <- upstreamResult{resp: resp}
	}()

	// Feed the first fragment through the registry like any continuation.
	first := req.Chunk
	if err := registry.handleChunk(req.Id, first.Data, first.Seq, first.Final); err != nil {
		registry.cancelStream(req.Id)
		pr.CloseWithError(err)
		// The write fails fast when the upstream already tore down the
		// pipe; report the upstream failure in that case.
		select {
		case result := <-resultCh:
			if result.err != nil {
				return nil, statusErrorf(502, "Document extraction failed")
			}
			if result.resp != nil {
				result.resp.Body.Close()
			}
		case <-time.After(500 * time.Millisecond):
		}
		return nil, statusErrorf(500, "Document extraction failed")
	}

	var result upstreamResult
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		registry.cancelStream(req.Id)
		pr.Close()
		return nil, ctx.Err()
	}
	if result.err != nil {
		registry.cancelStream(req.Id)
		return nil, statusErrorf(502, "Document extraction failed")
	}

	resp := result.resp
	if resp.StatusCode != http.StatusOK {
		registry.cancelStream(req.Id)
		pr.Close()
		resp.Body.Close()
		return nil, statusErrorf(resp.StatusCode, "Document extraction failed")
	}

	headers := make(map[string]string)
	if v := resp.Header.Get("Content-Type"); v != "" {
		headers["Content-Type"] = v
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		headers["Content-Length"] = v
	}

	return streamingResponse{
		headers: headers,
		stream: func(w io.Writer) error {
			defer func() {
				registry.cancelStream(req.Id)
				pr.Close()
				resp.Body.Close()
			}()
			if _, err := io.Copy(w, resp.Body); err != nil {
				return statusErrorf(500, "Document extraction failed")
			}
			return nil
		},
	}, nil
}

func (h *extractHandler) parseOptions(req *protocol.Request) (extractOptions, error) {
	var opts extractOptions
	if len(req.Body) == 0 {
		return opts, statusErrorf(400, "Request body with extraction options is required")
	}
	if err := json.Unmarshal(req.Body, &opts); err != nil {
		return opts, statusErrorf(400, "Invalid request body: %v", err)
	}
	if opts.Filename == "" {
		return opts, statusErrorf(400, "filename is required")
	}
	return opts, nil
}
