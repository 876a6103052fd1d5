package storage

import (
	"context"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/client"
	"github.com/ahmadzakiakmal/passport-workbench/errs"
)

// Gateway talks to a remote content gateway:
//
//	POST /content        raw bytes  -> {"locator": "...", "hash": "..."}
//	HEAD /content/<hash>            -> 200 with X-Locator, or 404
//	GET  /content/<hash>            -> raw bytes
type Gateway struct {
	client *client.HTTPClient
}

func NewGateway(baseURL string, timeout time.Duration) *Gateway {
	return &Gateway{client: client.NewHTTPClient(baseURL, timeout)}
}

type putResponse struct {
	Locator string `json:"locator"`
	Hash    string `json:"hash"`
}

func (g *Gateway) Put(ctx context.Context, data []byte) (string, error) {
	resp, err := g.client.POST(ctx, "/content", data)
	if err != nil {
		return "", errs.New(errs.ErrStorageUnavailable, "upload: %v", err)
	}
	if err := client.Expect(resp, "upload"); err != nil {
		return "", errs.New(errs.ErrStorageUnavailable, "%v", err)
	}
	var body putResponse
	if err := client.UnmarshalBody(resp, &body); err != nil {
		return "", errs.New(errs.ErrStorageUnavailable, "upload: %v", err)
	}
	if want := Hash(data); body.Hash != "" && body.Hash != want {
		return "", errs.New(errs.ErrAnchoringFailed, "gateway stored hash %s, expected %s", body.Hash, want)
	}
	if body.Locator == "" {
		return "", errs.New(errs.ErrStorageUnavailable, "upload: gateway returned no locator")
	}
	return body.Locator, nil
}

func (g *Gateway) Has(ctx context.Context, hash string) (string, bool, error) {
	resp, err := g.client.HEAD(ctx, "/content/"+hash)
	if err != nil {
		return "", false, errs.New(errs.ErrStorageUnavailable, "lookup: %v", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		locator := resp.Headers.Get("X-Locator")
		if locator == "" {
			locator = Locator(hash)
		}
		return locator, true, nil
	case http.StatusNotFound:
		return "", false, nil
	}
	return "", false, errs.New(errs.ErrStorageUnavailable, "lookup %s: unexpected status %d", hash, resp.StatusCode)
}

func (g *Gateway) Get(ctx context.Context, hash string) ([]byte, error) {
	resp, err := g.client.GET(ctx, "/content/"+hash)
	if err != nil {
		return nil, errs.New(errs.ErrStorageUnavailable, "fetch: %v", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.ErrNotFound, "content %s", hash)
	}
	if err := client.Expect(resp, "fetch"); err != nil {
		return nil, errs.New(errs.ErrStorageUnavailable, "%v", err)
	}
	return resp.Body, nil
}
