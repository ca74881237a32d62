package index

import (
	"context"
	"fmt"
)

// DefaultPageSize is the number of records requested per page.
const DefaultPageSize = 100

// PageFunc fetches one page of records.
type PageFunc[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// PageAll fetches pages until one comes back shorter than pageSize.
func PageAll[T any](ctx context.Context, pageSize int, fetch PageFunc[T]) ([]T, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var all []T
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(ctx, offset, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
