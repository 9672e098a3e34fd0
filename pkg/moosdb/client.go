package moosdb

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/moosgo/moos/internal/httputil"
	"github.com/moosgo/moos/pkg/comms"
)

const defaultContextTimeout = 10 * time.Second

// APIClient talks to the HTTP API of a running database.
type APIClient struct {
	addr       string
	client     http.Client
	apiTimeout time.Duration
}

// NewAPIClient creates an APIClient for the API served at addr.
func NewAPIClient(addr string, apiTimeout time.Duration) *APIClient {
	if apiTimeout == 0 {
		apiTimeout = defaultContextTimeout
	}
	return &APIClient{
		addr:       sanitizedAddr(addr),
		apiTimeout: apiTimeout,
	}
}

// Clients lists the connected clients.
func (c *APIClient) Clients(ctx context.Context) ([]comms.ClientCommsStatus, error) {
	var out []comms.ClientCommsStatus
	err := c.do(ctx, http.MethodGet, "/clients", nil, &out)
	return out, err
}

// Variables lists every variable.
func (c *APIClient) Variables(ctx context.Context) ([]VariableInfo, error) {
	var out []VariableInfo
	err := c.do(ctx, http.MethodGet, "/variables", nil, &out)
	return out, err
}

// Variable returns a single variable.
func (c *APIClient) Variable(ctx context.Context, name string) (VariableInfo, error) {
	var out VariableInfo
	err := c.do(ctx, http.MethodGet, "/variables/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Poke writes value, a float64 or string, into a variable.
func (c *APIClient) Poke(ctx context.Context, name string, value interface{}) (VariableInfo, error) {
	var out VariableInfo
	body := struct {
		Value interface{} `json:"value"`
	}{value}
	err := c.do(ctx, http.MethodPut, "/variables/"+url.PathEscape(name), body, &out)
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.addr+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(ctx, c.apiTimeout)
	defer cancel()

	res, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode != http.StatusOK {
		var apiErr httputil.ErrorBody
		if err := json.NewDecoder(res.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return errors.Errorf("%s %s: %s", method, path, res.Status)
		}
		return errors.New(apiErr.Error)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func sanitizedAddr(addr string) string {
	if addr == "" {
		return "http://localhost"
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "http://localhost"
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
