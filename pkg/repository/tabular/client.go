package tabular

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/platinummonkey/lexgate/pkg/rbac"
)

const (
	// pageSize is the largest page the rows endpoint serves
	pageSize = 200
	// batchSize is the largest item count the batch endpoints accept
	batchSize = 200

	errRowDoesNotExist = "ERROR_ROW_DOES_NOT_EXIST"
)

// row is one decoded table row keyed by user field name
type row = map[string]interface{}

type listResponse struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []row   `json:"results"`
}

type batchRequest struct {
	Items interface{} `json:"items"`
}

type batchResponse struct {
	Items []row `json:"items"`
}

type apiError struct {
	Error  string      `json:"error"`
	Detail interface{} `json:"detail"`
}

// filter narrows a list request. Multiple filters are combined with AND.
type filter struct {
	field string
	kind  string
	value string
}

func (f filter) param() string {
	return "filter__" + f.field + "__" + f.kind
}

func equal(field string, value interface{}) filter {
	return filter{field: field, kind: "equal", value: fmt.Sprint(value)}
}

func linkRowHas(field string, id int64) filter {
	return filter{field: field, kind: "link_row_has", value: strconv.FormatInt(id, 10)}
}

// client speaks the rows API of the tabular database
type client struct {
	http *resty.Client
}

func newClient(baseURL, token string, timeout time.Duration) *client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Authorization", "Token "+token).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &client{http: c}
}

func rowsPath(table int64) string {
	return fmt.Sprintf("/api/database/rows/table/%d/", table)
}

func rowPath(table, id int64) string {
	return fmt.Sprintf("/api/database/rows/table/%d/%d/", table, id)
}

func (c *client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetQueryParam("user_field_names", "true").
		SetError(&apiError{})
}

// checkResponse maps transport and API failures to errors. A missing row is
// reported as rbac.ErrNotFound; any other 4xx/5xx is a plain failure.
func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("tabular %s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, _ := resp.Error().(*apiError)
	if resp.StatusCode() == http.StatusNotFound && apiErr != nil && apiErr.Error == errRowDoesNotExist {
		return fmt.Errorf("tabular %s: %w", op, rbac.ErrNotFound)
	}
	if apiErr != nil && apiErr.Error != "" {
		return fmt.Errorf("tabular %s: status %d: %s", op, resp.StatusCode(), apiErr.Error)
	}
	return fmt.Errorf("tabular %s: status %d", op, resp.StatusCode())
}

// list follows pagination until every matching row has been read
func (c *client) list(ctx context.Context, table int64, filters ...filter) ([]row, error) {
	var all []row
	for page := 1; ; page++ {
		var out listResponse
		req := c.request(ctx).
			SetQueryParam("size", strconv.Itoa(pageSize)).
			SetQueryParam("page", strconv.Itoa(page)).
			SetResult(&out)
		for _, f := range filters {
			req.SetQueryParam(f.param(), f.value)
		}

		resp, err := req.Get(rowsPath(table))
		if err := checkResponse(resp, err, "list rows"); err != nil {
			return nil, err
		}

		all = append(all, out.Results...)
		if out.Next == nil || len(out.Results) == 0 {
			return all, nil
		}
	}
}

func (c *client) get(ctx context.Context, table, id int64) (row, error) {
	var out row
	resp, err := c.request(ctx).SetResult(&out).Get(rowPath(table, id))
	if err := checkResponse(resp, err, "get row"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) create(ctx context.Context, table int64, fields row) (row, error) {
	var out row
	resp, err := c.request(ctx).SetBody(fields).SetResult(&out).Post(rowsPath(table))
	if err := checkResponse(resp, err, "create row"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) update(ctx context.Context, table, id int64, fields row) (row, error) {
	var out row
	resp, err := c.request(ctx).SetBody(fields).SetResult(&out).Patch(rowPath(table, id))
	if err := checkResponse(resp, err, "update row"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) delete(ctx context.Context, table, id int64) error {
	resp, err := c.request(ctx).Delete(rowPath(table, id))
	return checkResponse(resp, err, "delete row")
}

// batchCreate inserts rows in chunks and returns the created rows in input order
func (c *client) batchCreate(ctx context.Context, table int64, items []row) ([]row, error) {
	created := make([]row, 0, len(items))
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}

		var out batchResponse
		resp, err := c.request(ctx).
			SetBody(batchRequest{Items: items[start:end]}).
			SetResult(&out).
			Post(rowsPath(table) + "batch/")
		if err := checkResponse(resp, err, "batch create rows"); err != nil {
			return nil, err
		}
		created = append(created, out.Items...)
	}
	return created, nil
}

func (c *client) batchDelete(ctx context.Context, table int64, ids []int64) error {
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		resp, err := c.request(ctx).
			SetBody(batchRequest{Items: ids[start:end]}).
			Post(rowsPath(table) + "batch-delete/")
		if err := checkResponse(resp, err, "batch delete rows"); err != nil {
			return err
		}
	}
	return nil
}
