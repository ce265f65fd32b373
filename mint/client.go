package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nutlock/nutlock/cashu"
)

// Client talks to mints over their HTTP surface. The zero value is
// not usable; construct with NewClient.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithHTTP lets callers inject the underlying http client,
// mostly for tests.
func NewClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient}
}

func (c *Client) GetActiveKeysets(ctx context.Context, mintURL string) (*GetKeysResponse, error) {
	var keysRes GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys", &keysRes); err != nil {
		return nil, err
	}
	return &keysRes, nil
}

func (c *Client) GetKeysetById(ctx context.Context, mintURL, id string) (*GetKeysResponse, error) {
	var keysRes GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys/"+id, &keysRes); err != nil {
		return nil, err
	}
	return &keysRes, nil
}

func (c *Client) GetAllKeysets(ctx context.Context, mintURL string) (*GetKeysetsResponse, error) {
	var keysetsRes GetKeysetsResponse
	if err := c.get(ctx, mintURL+"/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) GetMintInfo(ctx context.Context, mintURL string) (*Info, error) {
	var info Info
	if err := c.get(ctx, mintURL+"/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) PostMintQuote(ctx context.Context, mintURL string,
	request PostMintQuoteRequest) (*PostMintQuoteResponse, error) {
	var quoteRes PostMintQuoteResponse
	if err := c.post(ctx, mintURL+"/v1/mint/quote/bolt11", request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*PostMintQuoteResponse, error) {
	var quoteRes PostMintQuoteResponse
	if err := c.get(ctx, mintURL+"/v1/mint/quote/bolt11/"+quoteId, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) PostMint(ctx context.Context, mintURL string,
	request PostMintRequest) (*PostMintResponse, error) {
	var mintRes PostMintResponse
	if err := c.post(ctx, mintURL+"/v1/mint/bolt11", request, &mintRes); err != nil {
		return nil, err
	}
	return &mintRes, nil
}

func (c *Client) PostMeltQuote(ctx context.Context, mintURL string,
	request PostMeltQuoteRequest) (*PostMeltQuoteResponse, error) {
	var quoteRes PostMeltQuoteResponse
	if err := c.post(ctx, mintURL+"/v1/melt/quote/bolt11", request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) PostMelt(ctx context.Context, mintURL string,
	request PostMeltRequest) (*PostMeltResponse, error) {
	var meltRes PostMeltResponse
	if err := c.post(ctx, mintURL+"/v1/melt/bolt11", request, &meltRes); err != nil {
		return nil, err
	}
	return &meltRes, nil
}

func (c *Client) PostSwap(ctx context.Context, mintURL string,
	request PostSwapRequest) (*PostSwapResponse, error) {
	var swapRes PostSwapResponse
	if err := c.post(ctx, mintURL+"/v1/swap", request, &swapRes); err != nil {
		return nil, err
	}
	return &swapRes, nil
}

func (c *Client) PostCheckState(ctx context.Context, mintURL string,
	request PostCheckStateRequest) (*PostCheckStateResponse, error) {
	var stateRes PostCheckStateResponse
	if err := c.post(ctx, mintURL+"/v1/checkstate", request, &stateRes); err != nil {
		return nil, err
	}
	return &stateRes, nil
}

func (c *Client) PostRestore(ctx context.Context, mintURL string,
	request PostRestoreRequest) (*PostRestoreResponse, error) {
	var restoreRes PostRestoreResponse
	if err := c.post(ctx, mintURL+"/v1/restore", request, &restoreRes); err != nil {
		return nil, err
	}
	return &restoreRes, nil
}

func (c *Client) get(ctx context.Context, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, url string, body, result interface{}) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return &ParseError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{URL: req.URL.String(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var errResponse struct {
			Detail string `json:"detail"`
			Code   int    `json:"code"`
		}
		if err := json.Unmarshal(body, &errResponse); err != nil {
			return &HTTPError{Status: resp.StatusCode, Detail: string(body)}
		}
		return &HTTPError{
			Status: resp.StatusCode,
			Code:   cashu.ErrCode(errResponse.Code),
			Detail: errResponse.Detail,
		}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}
