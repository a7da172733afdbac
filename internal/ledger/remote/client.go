package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"farmledger/internal/core"
	"farmledger/internal/ledger"
)

const (
	archivePrefix    = "Archive_"
	maxResponseBytes = 4 << 20

	actionCreate         = "create"
	actionCreateCategory = "create_category"
	actionCreateUser     = "create_user"
	actionDelete         = "delete"
	actionDeleteUser     = "delete_user"
	actionCloseLedger    = "close_ledger"
)

// Config is passed explicitly at construction; there is no ambient endpoint
// state.
type Config struct {
	// BaseURL is the deployed spreadsheet web-app endpoint.
	BaseURL string
	// Timeout bounds each HTTP attempt. The backend defines no timeout of
	// its own, so a hung call is converted into a connectivity failure.
	Timeout time.Duration
	// MaxRetries applies to reads only; writes are replayed by the sync
	// worker instead.
	MaxRetries int
}

// Client speaks the scripted spreadsheet contract: reads via query
// parameters, writes via JSON action envelopes.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries uint64
}

var _ ledger.Backend = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger endpoint URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    u.String(),
		http:       &http.Client{Timeout: timeout},
		maxRetries: uint64(retries),
	}, nil
}

// Transactions reads the live ledger, or a named archive when batch is set.
func (c *Client) Transactions(ctx context.Context, batch string) ([]core.Transaction, error) {
	q := url.Values{"type": {"transactions"}}
	if batch = strings.TrimSpace(batch); batch != "" {
		q.Set("sheetName", archivePrefix+strings.TrimPrefix(batch, archivePrefix))
	}
	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}
	txs, err := parseTransactions(body)
	if err != nil {
		return nil, &ledger.ConnectivityError{Op: "transactions", Err: err}
	}
	return txs, nil
}

// Categories degrades to the default list on failure or an empty result;
// categories must never block usage.
func (c *Client) Categories(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, url.Values{"type": {"categories"}})
	if err != nil {
		slog.WarnContext(ctx, "Category fetch failed, using defaults", "error", err)
		return defaultCategories(), nil
	}
	cats, err := parseStrings(body)
	if err != nil || len(cats) == 0 {
		return defaultCategories(), nil
	}
	return cats, nil
}

// Users substitutes the built-in admin fallback on failure, an empty result,
// or a response that does not look like user records. It never returns an
// error: a misconfigured backend must not lock operators out.
func (c *Client) Users(ctx context.Context) ([]core.User, error) {
	body, err := c.get(ctx, url.Values{"type": {"users"}})
	if err != nil {
		slog.WarnContext(ctx, "User fetch failed, using fallback admin", "error", err)
		return []core.User{core.FallbackAdmin}, nil
	}
	users, err := parseUsers(body)
	if err != nil || len(users) == 0 {
		slog.WarnContext(ctx, "Backend returned invalid user data, using fallback admin")
		return []core.User{core.FallbackAdmin}, nil
	}
	return users, nil
}

// Archives lists closed batch names. The backend already strips the sheet
// prefix but older script deployments did not, so strip defensively.
func (c *Client) Archives(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, url.Values{"type": {"archives"}})
	if err != nil {
		return nil, err
	}
	names, err := parseStrings(body)
	if err != nil {
		return nil, &ledger.ConnectivityError{Op: "archives", Err: err}
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.TrimPrefix(n, archivePrefix))
	}
	return out, nil
}

func (c *Client) AppendTransaction(ctx context.Context, tx core.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	_, err := c.post(ctx, map[string]any{"action": actionCreate, "data": tx})
	return err
}

func (c *Client) DeleteTransaction(ctx context.Context, id string) error {
	_, err := c.post(ctx, map[string]any{"action": actionDelete, "id": id})
	return err
}

func (c *Client) AppendCategory(ctx context.Context, name string) error {
	_, err := c.post(ctx, map[string]any{"action": actionCreateCategory, "category": name})
	return err
}

func (c *Client) AppendUser(ctx context.Context, u core.User) error {
	res, err := c.post(ctx, map[string]any{"action": actionCreateUser, "user": u})
	if err != nil {
		if !ledger.IsConnectivity(err) && strings.Contains(strings.ToLower(res.Message), "exists") {
			return core.ErrUserExists
		}
		return err
	}
	return nil
}

func (c *Client) DeleteUser(ctx context.Context, username string) error {
	_, err := c.post(ctx, map[string]any{"action": actionDeleteUser, "username": username})
	return err
}

// CloseLedger asks the backend to snapshot the live ledger into a named
// archive and reset it. The result distinguishes logical rejection from
// success; transport failures surface as connectivity errors with state
// assumed unchanged.
func (c *Client) CloseLedger(ctx context.Context, batchName string) (ledger.CloseResult, error) {
	return c.post(ctx, map[string]any{"action": actionCloseLedger, "batchName": batchName})
}

func (c *Client) get(ctx context.Context, q url.Values) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)); err != nil {
		return nil, &ledger.ConnectivityError{Op: q.Get("type"), Err: err}
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, payload map[string]any) (ledger.CloseResult, error) {
	action, _ := payload["action"].(string)

	buf, err := json.Marshal(payload)
	if err != nil {
		return ledger.CloseResult{}, fmt.Errorf("encode %s request: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return ledger.CloseResult{}, &ledger.ConnectivityError{Op: action, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ledger.CloseResult{}, &ledger.ConnectivityError{Op: action, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ledger.CloseResult{}, &ledger.ConnectivityError{Op: action, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ledger.CloseResult{}, &ledger.ConnectivityError{Op: action, Err: err}
	}
	var res ledger.CloseResult
	if err := json.Unmarshal(body, &res); err != nil {
		return ledger.CloseResult{}, &ledger.ConnectivityError{Op: action, Err: fmt.Errorf("decode response: %w", err)}
	}
	if res.Status == ledger.StatusError {
		return res, fmt.Errorf("%s rejected: %s", action, res.Message)
	}
	return res, nil
}

func defaultCategories() []string {
	return append([]string(nil), core.DefaultCategories...)
}
