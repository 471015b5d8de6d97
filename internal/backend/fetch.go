package backend

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// Lookup describes a filtered resource fetch. Value may be a string
// (or number) sent to the appliance as a server-side query filter, or
// a *regexp.Regexp applied client-side only. Attr selects a nested
// property attribute for the client-side comparison, e.g.
// {Field: "origin", Attr: "value"}.
type Lookup struct {
	Field    string
	Operator string // defaults to "="
	Value    any
	Attr     string
	Extras   map[string]any
}

func (l *Lookup) regex() *regexp.Regexp {
	if l == nil {
		return nil
	}
	if re, ok := l.Value.(*regexp.Regexp); ok {
		return re
	}
	return nil
}

func (l *Lookup) query() any {
	if l == nil {
		return nil
	}

	filters := [][]any{}
	options := map[string]any{}

	if l.Field != "" && l.Value != nil && l.regex() == nil {
		op := l.Operator
		if op == "" {
			op = "="
		}
		field := l.Field
		if l.Attr != "" {
			field = l.Field + "." + l.Attr
		}
		filters = append(filters, []any{field, op, l.Value})
	}

	if l.Extras != nil {
		options["extra"] = l.Extras
	}

	if len(filters) == 0 && len(options) == 0 {
		return nil
	}

	return map[string]any{
		"query-filters": filters,
		"query-options": options,
	}
}

// matches applies the client-side filter to one entity. Regex values
// always filter locally; plain values are re-checked locally only for
// the equality operator, other operators are the appliance's job.
func (l *Lookup) matches(item Raw) bool {
	if l == nil || l.Field == "" || l.Value == nil {
		return true
	}

	value := item.Field(l.Field, l.Attr)

	if re := l.regex(); re != nil {
		s, ok := value.(string)
		return ok && re.MatchString(s)
	}

	if l.Operator != "" && l.Operator != "=" {
		return true
	}

	return compareString(value) == compareString(l.Value)
}

// compareString renders filter operands uniformly; JSON numbers decode
// as float64 and must not pick up an exponent.
func compareString(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// FindAll fetches the resource and returns every entity passing the
// lookup. A single-object response (e.g. iscsi/global) is normalized
// to a one-element list. A non-2xx backend status yields an empty
// result, with the status preserved in Last.
func (c *Client) FindAll(ctx context.Context, resource string, lookup *Lookup) ([]Raw, error) {
	resp, err := c.Get(ctx, resource, lookup.query())
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		c.logger.Debug("Backend fetch returned non-OK status",
			zap.String("resource", resource),
			zap.Int("status", resp.Status))
		return nil, nil
	}

	var rset []Raw
	if err := resp.Decode(&rset); err != nil {
		entity, err := resp.Entity()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s response: %w", resource, err)
		}
		rset = []Raw{entity}
	}

	var results []Raw
	for _, item := range rset {
		if lookup.matches(item) {
			results = append(results, item)
		}
	}

	return results, nil
}

// FindOne fetches the resource and returns the first entity passing
// the lookup, or nil when nothing matched.
func (c *Client) FindOne(ctx context.Context, resource string, lookup *Lookup) (Raw, error) {
	results, err := c.FindAll(ctx, resource, lookup)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Exists reports whether an id-addressed resource URI is present.
func (c *Client) Exists(ctx context.Context, uri string) (bool, error) {
	resp, err := c.Get(ctx, uri, nil)
	if err != nil {
		return false, err
	}
	return resp.OK(), nil
}
