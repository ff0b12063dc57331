package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	xerrors "mechx/internal/errors"
)

const defaultIPFSTimeout = 30 * time.Second

// IPFSConfig points at an IPFS node API and a read gateway.
type IPFSConfig struct {
	APIURL     string
	GatewayURL string
	Timeout    time.Duration
}

// IPFS stores content through the Kubo HTTP API and reads it back through
// a gateway.
type IPFS struct {
	api        string
	gateway    string
	httpClient *http.Client
}

// NewIPFS validates cfg and returns a client.
func NewIPFS(cfg IPFSConfig) (*IPFS, error) {
	api := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	gateway := strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if api == "" && gateway == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "ipfs api or gateway url required")
	}
	for _, raw := range []string{api, gateway} {
		if raw == "" {
			continue
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "invalid ipfs url "+raw)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultIPFSTimeout
	}
	return &IPFS{api: api, gateway: gateway, httpClient: &http.Client{Timeout: timeout}}, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put implements Store using /api/v0/add with CIDv1 dag-pb output.
func (c *IPFS) Put(ctx context.Context, raw []byte) (cid.Cid, error) {
	if c.api == "" {
		return cid.Undef, xerrors.New(xerrors.CodeConfiguration, "ipfs api url not configured")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "metadata.json")
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeStorageFailure, err, "build upload")
	}
	if _, err := part.Write(raw); err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeStorageFailure, err, "build upload")
	}
	if err := writer.Close(); err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeStorageFailure, err, "build upload")
	}

	endpoint := c.api + "/api/v0/add?cid-version=1&raw-leaves=false&pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeStorageFailure, err, "build upload request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeStorageFailure, err, "upload to ipfs")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return cid.Undef, xerrors.New(xerrors.CodeStorageFailure,
			fmt.Sprintf("ipfs add returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var added addResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode ipfs add response")
	}
	return Parse(added.Hash)
}

// Get implements Store by reading "<gateway>/ipfs/<path>".
func (c *IPFS) Get(ctx context.Context, path string) ([]byte, error) {
	if c.gateway == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "ipfs gateway url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+"/ipfs/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "build gateway request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "fetch from gateway")
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, xerrors.New(xerrors.CodeNotFound, "content not found: "+path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("gateway returned %d", resp.StatusCode))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read gateway response")
	}
	return raw, nil
}
