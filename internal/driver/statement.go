// Package driver is the boundary between the bulk execution core and the
// database client: statements, result pages, sessions and cluster metadata.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/token"
)

// Statement is one executable request.
type Statement interface {
	// Keyspace returns the keyspace the statement targets, if known.
	Keyspace() string
	// RoutingKey returns the serialized partition key, or nil when unknown.
	RoutingKey() []byte
	// RoutingToken returns the token the statement is routed by, if known.
	RoutingToken() (token.Token, bool)
	// EncodedSize estimates the serialized size of the statement in bytes.
	EncodedSize() int64
	String() string
}

// SimpleStatement is a single query with bound values.
type SimpleStatement struct {
	Query        string
	Values       []interface{}
	KeyspaceName string
	Key          []byte
	Token        *token.Token
}

// NewSimpleStatement creates a statement without routing information.
func NewSimpleStatement(query string, values ...interface{}) *SimpleStatement {
	return &SimpleStatement{Query: query, Values: values}
}

// WithRoutingKey sets the keyspace and serialized partition key.
func (s *SimpleStatement) WithRoutingKey(keyspace string, key []byte) *SimpleStatement {
	s.KeyspaceName = keyspace
	s.Key = key
	return s
}

// WithRoutingToken pins the token the statement is routed by.
func (s *SimpleStatement) WithRoutingToken(t token.Token) *SimpleStatement {
	s.Token = &t
	return s
}

func (s *SimpleStatement) Keyspace() string   { return s.KeyspaceName }
func (s *SimpleStatement) RoutingKey() []byte { return s.Key }

func (s *SimpleStatement) RoutingToken() (token.Token, bool) {
	if s.Token == nil {
		return token.Token{}, false
	}
	return *s.Token, true
}

func (s *SimpleStatement) EncodedSize() int64 {
	size := int64(len(s.Query))
	for _, v := range s.Values {
		size += 4 + valueSize(v)
	}
	return size
}

func (s *SimpleStatement) String() string {
	return s.Query
}

// RangeStatement reads every row whose token falls in Range.
type RangeStatement struct {
	Query        string
	KeyspaceName string
	Range        token.Range
}

// NewRangeStatement creates a read restricted to r.
func NewRangeStatement(query, keyspace string, r token.Range) *RangeStatement {
	return &RangeStatement{Query: query, KeyspaceName: keyspace, Range: r}
}

func (s *RangeStatement) Keyspace() string   { return s.KeyspaceName }
func (s *RangeStatement) RoutingKey() []byte { return nil }

// RoutingToken routes the read by the range start, which the range's own
// replicas own.
func (s *RangeStatement) RoutingToken() (token.Token, bool) {
	return s.Range.Start(), true
}

func (s *RangeStatement) EncodedSize() int64 {
	return int64(len(s.Query)) + 2*(4+8)
}

func (s *RangeStatement) String() string {
	return fmt.Sprintf("%s %s", s.Query, s.Range)
}

// BatchType mirrors the database's batch kinds.
type BatchType int

const (
	BatchLogged BatchType = iota
	BatchUnlogged
)

func (t BatchType) String() string {
	if t == BatchLogged {
		return "LOGGED"
	}
	return "UNLOGGED"
}

// BatchStatement groups statements executed as one request.
type BatchStatement struct {
	Type       BatchType
	Statements []Statement
}

// NewBatchStatement creates a batch of stmts.
func NewBatchStatement(batchType BatchType, stmts ...Statement) *BatchStatement {
	return &BatchStatement{Type: batchType, Statements: stmts}
}

func (b *BatchStatement) Keyspace() string {
	if len(b.Statements) == 0 {
		return ""
	}
	return b.Statements[0].Keyspace()
}

func (b *BatchStatement) RoutingKey() []byte {
	if len(b.Statements) == 0 {
		return nil
	}
	return b.Statements[0].RoutingKey()
}

func (b *BatchStatement) RoutingToken() (token.Token, bool) {
	if len(b.Statements) == 0 {
		return token.Token{}, false
	}
	return b.Statements[0].RoutingToken()
}

func (b *BatchStatement) EncodedSize() int64 {
	// batch type + statement count
	size := int64(3)
	for _, s := range b.Statements {
		size += 1 + s.EncodedSize()
	}
	return size
}

func (b *BatchStatement) String() string {
	parts := make([]string, 0, len(b.Statements))
	for _, s := range b.Statements {
		parts = append(parts, s.String())
	}
	return fmt.Sprintf("BEGIN %s BATCH %s APPLY BATCH", b.Type, strings.Join(parts, "; "))
}

// StatementCount returns how many single statements stmt carries.
func StatementCount(stmt Statement) int {
	if b, ok := stmt.(*BatchStatement); ok {
		return len(b.Statements)
	}
	return 1
}

func valueSize(v interface{}) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int, int64, uint, uint64, float64, time.Duration:
		return 8
	case time.Time:
		return 8
	default:
		return int64(len(fmt.Sprint(val)))
	}
}

// Row is one result row.
type Row struct {
	Token  token.Token
	Key    []byte
	Values []interface{}
}

// Page is one page of results. The last page reports no more pages.
type Page interface {
	Rows() []Row
	HasMorePages() bool
	// FetchNextPage requests the following page. It is only valid when
	// HasMorePages is true.
	FetchNextPage(ctx context.Context) (Page, error)
}

// Session executes statements. Implementations must be safe for concurrent
// use; the execution core never cancels a request once it was sent, it only
// stops issuing new ones.
type Session interface {
	Execute(ctx context.Context, stmt Statement) (Page, error)
}

// Metadata exposes the cluster's token ring snapshot.
type Metadata interface {
	TokenFactory() *token.Factory
	TokenRanges(ctx context.Context) ([]token.Range, error)
}
