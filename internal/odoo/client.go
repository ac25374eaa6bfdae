// Package odoo is a JSON-RPC client for the Odoo external API.
//
// Only the calls the sync needs are exposed: authenticate, search_count and
// search_read with offset/limit paging. Responses are decoded with
// json.Number so large ids survive intact.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"odooetl/internal/filter"
	"odooetl/pkg/records"
)

// ErrAuthFailed is returned when the server rejects the credentials.
var ErrAuthFailed = errors.New("odoo: authentication failed")

// ErrNotAuthenticated is returned by model calls made before Authenticate.
var ErrNotAuthenticated = errors.New("odoo: not authenticated")

// Config identifies the Odoo instance and account.
type Config struct {
	URL      string // base URL, e.g. https://erp.example.com
	Database string
	Username string
	Password string

	Transport TransportConfig
}

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Debug   string `json:"debug"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data.Message != "" {
		return fmt.Sprintf("odoo: rpc error %d: %s: %s (%s)", e.Code, e.Message, e.Data.Message, e.Data.Name)
	}
	return fmt.Sprintf("odoo: rpc error %d: %s", e.Code, e.Message)
}

// Client talks to one Odoo database as one user.
type Client struct {
	endpoint string
	db       string
	user     string
	password string

	t      *transport
	uid    int64
	nextID atomic.Int64
}

// NewClient returns a client for cfg. No request is made until Authenticate.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("odoo: URL is required")
	}
	if cfg.Database == "" || cfg.Username == "" {
		return nil, errors.New("odoo: database and username are required")
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/jsonrpc",
		db:       cfg.Database,
		user:     cfg.Username,
		password: cfg.Password,
		t:        newTransport(cfg.Transport),
	}, nil
}

// UID returns the authenticated user id, 0 before Authenticate.
func (c *Client) UID() int64 { return c.uid }

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call invokes service.method(args...) and decodes the result into out.
func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("odoo: encode %s.%s: %w", service, method, err)
	}
	data, err := c.t.post(ctx, c.endpoint, body)
	if err != nil {
		return err
	}
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("odoo: decode response of %s.%s: %w", service, method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Result))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("odoo: decode result of %s.%s: %w", service, method, err)
	}
	return nil
}

// Authenticate logs in and stores the uid for later calls.
func (c *Client) Authenticate(ctx context.Context) error {
	var result any
	if err := c.call(ctx, "common", "authenticate", []any{c.db, c.user, c.password, map[string]any{}}, &result); err != nil {
		return fmt.Errorf("odoo: authenticate %s@%s: %w", c.user, c.db, err)
	}
	uid, ok := records.AsInt64(result)
	if !ok || uid <= 0 {
		return fmt.Errorf("%w: user %s on database %s", ErrAuthFailed, c.user, c.db)
	}
	c.uid = uid
	log.Printf("odoo: authenticated user=%s uid=%d db=%s", c.user, uid, c.db)
	return nil
}

// Version returns the server_version reported by common.version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		ServerVersion string `json:"server_version"`
	}
	if err := c.call(ctx, "common", "version", []any{}, &v); err != nil {
		return "", err
	}
	return v.ServerVersion, nil
}

// ExecuteKW calls model.method with positional args and keyword args.
func (c *Client) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if c.uid == 0 {
		return ErrNotAuthenticated
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw",
		[]any{c.db, c.uid, c.password, model, method, args, kwargs}, out)
}

// Count returns the number of model records matching domain.
func (c *Client) Count(ctx context.Context, model string, domain filter.Expression) (int, error) {
	var n json.Number
	if err := c.ExecuteKW(ctx, model, "search_count", []any{domainArg(domain)}, nil, &n); err != nil {
		return 0, fmt.Errorf("odoo: count %s: %w", model, err)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("odoo: count %s: %w", model, err)
	}
	return int(v), nil
}

// Query selects a window of records.
type Query struct {
	Model  string
	Domain filter.Expression
	Fields []string
	Offset int
	Limit  int    // 0 means no limit
	Order  string // defaults to "id asc"
}

// Fetch runs search_read for q.
func (c *Client) Fetch(ctx context.Context, q Query) ([]records.Record, error) {
	kwargs := map[string]any{
		"offset": q.Offset,
		"order":  q.Order,
	}
	if q.Order == "" {
		kwargs["order"] = "id asc"
	}
	if len(q.Fields) > 0 {
		kwargs["fields"] = q.Fields
	}
	if q.Limit > 0 {
		kwargs["limit"] = q.Limit
	}
	var out []records.Record
	if err := c.ExecuteKW(ctx, q.Model, "search_read", []any{domainArg(q.Domain)}, kwargs, &out); err != nil {
		return nil, fmt.Errorf("odoo: fetch %s offset=%d limit=%d: %w", q.Model, q.Offset, q.Limit, err)
	}
	return out, nil
}

// domainArg keeps an empty domain encoding as [] rather than null.
func domainArg(d filter.Expression) any {
	if d == nil {
		return filter.Expression{}
	}
	return d
}
