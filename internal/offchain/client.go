// Package offchain talks to a mech's HTTP endpoint: signed requests are
// posted to send_signed_requests and results are read back from
// fetch_offchain_info.
package offchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "mechx/internal/errors"
	"mechx/internal/requestid"
)

// DefaultHTTPTimeout bounds a single HTTP exchange when no client is given.
const DefaultHTTPTimeout = 15 * time.Second

const (
	sendPath  = "send_signed_requests"
	fetchPath = "fetch_offchain_info"

	maxBodyBytes = 8 << 20
)

// CodeOffchainFailure marks a failed exchange with a mech endpoint.
const CodeOffchainFailure xerrors.Code = "OFFCHAIN_FAILURE"

func init() {
	xerrors.Register(CodeOffchainFailure, xerrors.Attributes{
		Retryable: true,
		Severity:  xerrors.SeverityWarning,
		Kind:      xerrors.KindRPC,
	})
}

// SignedRequest is one request of an off-chain batch.
type SignedRequest struct {
	RequestID common.Hash
	Signature []byte
	// IPFSHash is the hex CID of the uploaded metadata.
	IPFSHash string
	Nonce    *big.Int
	// IPFSData is the uploaded metadata document.
	IPFSData []byte
}

// Batch is the payload of send_signed_requests.
type Batch struct {
	Sender       common.Address
	DeliveryRate *big.Int
	Requests     []SignedRequest
}

// APIError is a non-2xx answer from a mech endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mech endpoint error (%d): %s", e.StatusCode, e.Message)
}

// Client is an HTTP client bound to one mech endpoint.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient returns a client for the endpoint at rawURL. When httpClient is
// nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("invalid off-chain mech url %q", rawURL))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// BaseURL returns the endpoint URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// SendSignedRequests posts a batch as a form. Per-request fields are
// repeated once per request, in batch order. The decoded response body is
// returned as is.
func (c *Client) SendSignedRequests(ctx context.Context, batch Batch) (json.RawMessage, error) {
	if len(batch.Requests) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "off-chain batch is empty")
	}
	if batch.DeliveryRate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "off-chain batch has no delivery rate")
	}

	form := url.Values{}
	form.Set("sender", batch.Sender.Hex())
	form.Set("delivery_rate", batch.DeliveryRate.String())
	for _, r := range batch.Requests {
		if r.Nonce == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "off-chain request has no nonce")
		}
		form.Add("signature", hexutil.Encode(r.Signature))
		form.Add("ipfs_hash", r.IPFSHash)
		form.Add("request_id", requestid.Decimal(r.RequestID))
		form.Add("nonce", r.Nonce.String())
		form.Add("ipfs_data", string(r.IPFSData))
	}

	req, err := c.newRequest(ctx, http.MethodPost, sendPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, xerrors.New(CodeOffchainFailure, "mech endpoint returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

// FetchInfo returns the raw result body for the request id in decimal form.
// The id travels as a form body on a GET, which is what mech endpoints read.
// An empty body means the mech has no result yet.
func (c *Client) FetchInfo(ctx context.Context, decimalID string) ([]byte, error) {
	form := url.Values{}
	form.Set("request_id", decimalID)
	req, err := c.newRequest(ctx, http.MethodGet, fetchPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, xerrors.Wrap(CodeOffchainFailure, err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "mech endpoint request cancelled")
		}
		return nil, xerrors.Wrap(CodeOffchainFailure, err, "perform request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, xerrors.Wrap(CodeOffchainFailure, err, "read response")
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, xerrors.Wrap(CodeOffchainFailure, apiErr, "mech endpoint rejected request",
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	return data, nil
}
