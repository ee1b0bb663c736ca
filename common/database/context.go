// Package database holds shared Postgres helpers used by every repository.
package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeouts applied to individual repository calls.
const (
	DefaultQueryTimeout  = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultBulkTimeout   = 30 * time.Second
	DefaultVectorTimeout = 15 * time.Second
)

// QueryContext bounds a read query.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext bounds an INSERT/UPDATE/DELETE.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

// BulkContext bounds bulk inserts and wide scans.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}

// VectorContext bounds a nearest-neighbour query against the vector index.
func VectorContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultVectorTimeout)
}

// VectorLiteral renders an embedding in pgvector text form ("[0.1,0.2,...]")
// so it can be bound as $n::vector without a driver extension.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVectorLiteral is the inverse of VectorLiteral.
func ParseVectorLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("invalid vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
