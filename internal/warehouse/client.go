/*
Logic: the warehouse client wraps the pool manager with the safe-template
registry and stamps every checked-out session with a query tag
(§6: "Every session sets a query tag <prefix>_<16-hex> for traceability"),
the way the donor gateway's metricsRoundTripper transparently wraps every
HTTP checkout in provider/pool.go.
*/
package warehouse

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/apierr"
	"github.com/AlfredDev/actcore/internal/template"
)

// Client executes only pre-registered templates against the pooled
// warehouse connections (§4.1: "All operations against the warehouse go
// through this registry; dynamic SQL is forbidden"). The one statement it
// issues outside the registry is the fixed, parameterized query-tag stamp
// below.
type Client struct {
	logger     zerolog.Logger
	manager    *Manager
	registry   *template.Registry
	tagPrefix  string
	queryTimeout time.Duration
}

// NewClient creates a warehouse client.
func NewClient(logger zerolog.Logger, manager *Manager, registry *template.Registry, tagPrefix string, queryTimeout time.Duration) *Client {
	return &Client{
		logger:       logger.With().Str("component", "warehouse_client").Logger(),
		manager:      manager,
		registry:     registry,
		tagPrefix:    tagPrefix,
		queryTimeout: queryTimeout,
	}
}

// QueryTag generates a fresh "<prefix>_<16-hex>" session tag.
func (c *Client) QueryTag() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s_%s", c.tagPrefix, hex.EncodeToString(b))
}

// stampQueryTagSQL sets the session's application_name to a query tag; the
// tag travels as a bind parameter, never as SQL text.
const stampQueryTagSQL = "SELECT set_config('application_name', $1, false)"

// Row is a generic result row: column name -> value.
type Row map[string]interface{}

// Exec runs a named template (INSERT/UPDATE shape) and returns the number
// of rows affected. preferred, if non-empty, names an identity to try first.
func (c *Client) Exec(ctx context.Context, preferred, templateName string, params ...interface{}) (int64, error) {
	bound, _, err := c.registry.Bind(templateName, params)
	if err != nil {
		return 0, err
	}
	t, _ := c.registry.Lookup(templateName)

	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	conn, identity, err := c.manager.Checkout(queryCtx, preferred)
	if err != nil {
		return 0, err
	}

	tag := c.QueryTag()
	if _, err := conn.Exec(queryCtx, stampQueryTagSQL, tag); err != nil {
		c.logger.Debug().Err(err).Msg("failed to stamp query tag, continuing")
	}

	cmdTag, execErr := conn.Exec(queryCtx, t.SQLText, bound...)
	c.manager.Release(conn, identity, execErr)
	if execErr != nil {
		return 0, translateErr(execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// Query runs a named template (SELECT shape) and returns the matched rows.
func (c *Client) Query(ctx context.Context, preferred, templateName string, params ...interface{}) ([]Row, error) {
	bound, _, err := c.registry.Bind(templateName, params)
	if err != nil {
		return nil, err
	}
	t, _ := c.registry.Lookup(templateName)

	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	conn, identity, err := c.manager.Checkout(queryCtx, preferred)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(queryCtx, stampQueryTagSQL, c.QueryTag()); err != nil {
		c.logger.Debug().Err(err).Msg("failed to stamp query tag, continuing")
	}

	rows, queryErr := conn.Query(queryCtx, t.SQLText, bound...)
	if queryErr != nil {
		c.manager.Release(conn, identity, queryErr)
		return nil, translateErr(queryErr)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			c.manager.Release(conn, identity, err)
			return nil, apierr.Wrap(apierr.Internal, err, "scan row")
		}
		r := make(Row, len(fields))
		for i, f := range fields {
			r[string(f.Name)] = vals[i]
		}
		out = append(out, r)
	}
	rowsErr := rows.Err()
	c.manager.Release(conn, identity, rowsErr)
	if rowsErr != nil {
		return nil, translateErr(rowsErr)
	}
	return out, nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.Timeout, err, "warehouse query deadline exceeded")
	case errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.Timeout, err, "warehouse query canceled")
	default:
		return apierr.Wrap(apierr.Internal, err, "warehouse query failed")
	}
}
