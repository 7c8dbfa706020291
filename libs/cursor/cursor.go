// Package cursor implements the cursor pagination envelope used by every
// list endpoint: base64 opaque cursors over a Connection of nodes.
package cursor

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	errorutils "github.com/quillpay/platform/libs/errorutils"
)

const cursorPrefix = "cursor:"

// Encode turns a record id into an opaque cursor
func Encode(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(cursorPrefix + id))
}

// Decode turns an opaque cursor back into a record id
func Decode(cursor string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", errorutils.Validation("invalid cursor", nil)
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return "", errorutils.Validation("invalid cursor", nil)
	}
	return strings.TrimPrefix(s, cursorPrefix), nil
}

// PageArgs are the relay style pagination arguments
type PageArgs struct {
	First  *int    `json:"first,omitempty"`
	After  *string `json:"after,omitempty"`
	Last   *int    `json:"last,omitempty"`
	Before *string `json:"before,omitempty"`
}

// Limit returns the requested page size bounded by max, defaulting to def
func (p PageArgs) Limit(def, max int) int {
	n := def
	if p.First != nil {
		n = *p.First
	} else if p.Last != nil {
		n = *p.Last
	}
	if n <= 0 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}

// Edge pairs a node with its cursor
type Edge[T any] struct {
	Node   T      `json:"node"`
	Cursor string `json:"cursor"`
}

// PageInfo describes the boundaries of a page
type PageInfo struct {
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
	StartCursor     string `json:"startCursor,omitempty"`
	EndCursor       string `json:"endCursor,omitempty"`
}

// Connection is the page envelope
type Connection[T any] struct {
	Nodes      []T       `json:"nodes"`
	Edges      []Edge[T] `json:"edges"`
	PageInfo   PageInfo  `json:"pageInfo"`
	TotalCount int64     `json:"totalCount"`
}

// NewConnection builds a connection from nodes, an id extractor and page state
func NewConnection[T any](nodes []T, id func(T) string, hasNext, hasPrev bool, total int64) Connection[T] {
	conn := Connection[T]{
		Nodes:      nodes,
		Edges:      make([]Edge[T], 0, len(nodes)),
		TotalCount: total,
		PageInfo: PageInfo{
			HasNextPage:     hasNext,
			HasPreviousPage: hasPrev,
		},
	}
	for _, n := range nodes {
		conn.Edges = append(conn.Edges, Edge[T]{Node: n, Cursor: Encode(id(n))})
	}
	if len(conn.Edges) > 0 {
		conn.PageInfo.StartCursor = conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = conn.Edges[len(conn.Edges)-1].Cursor
	}
	return conn
}

// FromQuery parses the pagination arguments from a query string
func FromQuery(q url.Values) (PageArgs, error) {
	var args PageArgs
	if v := q.Get("first"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return args, errorutils.Validation("first must be an integer", nil)
		}
		args.First = &n
	}
	if v := q.Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return args, errorutils.Validation("last must be an integer", nil)
		}
		args.Last = &n
	}
	if v := q.Get("after"); v != "" {
		args.After = &v
	}
	if v := q.Get("before"); v != "" {
		args.Before = &v
	}
	if err := args.Validate(); err != nil {
		return args, err
	}
	return args, nil
}

// Window slices an ordered node list to the requested page, reporting
// whether pages exist on either side. An after or before cursor that
// matches no node positions the window at the list's edge.
func Window[T any](nodes []T, id func(T) string, args PageArgs, limit int) ([]T, bool, bool, error) {
	start, end := 0, len(nodes)

	if args.After != nil {
		afterID, err := Decode(*args.After)
		if err != nil {
			return nil, false, false, err
		}
		for i := range nodes {
			if id(nodes[i]) == afterID {
				start = i + 1
				break
			}
		}
	}
	if args.Before != nil {
		beforeID, err := Decode(*args.Before)
		if err != nil {
			return nil, false, false, err
		}
		for i := range nodes {
			if id(nodes[i]) == beforeID {
				end = i
				break
			}
		}
	}
	if end < start {
		end = start
	}

	if args.Last != nil {
		if end-start > limit {
			start = end - limit
		}
	} else if end-start > limit {
		end = start + limit
	}

	return nodes[start:end], end < len(nodes), start > 0, nil
}

// Validate checks that forward and backward arguments are not mixed
func (p PageArgs) Validate() error {
	if p.First != nil && p.Last != nil {
		return errorutils.Validation("cannot paginate forwards and backwards at once", nil)
	}
	if p.First != nil && *p.First < 0 {
		return errorutils.Validation(fmt.Sprintf("first must not be negative: %d", *p.First), nil)
	}
	if p.Last != nil && *p.Last < 0 {
		return errorutils.Validation(fmt.Sprintf("last must not be negative: %d", *p.Last), nil)
	}
	return nil
}
