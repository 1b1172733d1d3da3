package storage

import "context"

// Iterator is a pull-based sequence of records. Implementations read
// lazily with bounded lookahead, so consumers may stop early; Close must
// always be called.
type Iterator[T any] interface {
	// Next returns the next element. The second result is false when the
	// sequence is exhausted.
	Next(ctx context.Context) (T, bool, error)
	// Close releases resources held by the iterator.
	Close() error
}

// Collect drains it into a slice and closes it.
func Collect[T any](ctx context.Context, it Iterator[T]) ([]T, error) {
	defer it.Close()
	var out []T
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// sliceIterator yields the elements of a fixed slice.
type sliceIterator[T any] struct {
	items []T
	pos   int
}

// FromSlice returns an iterator over items.
func FromSlice[T any](items []T) Iterator[T] {
	return &sliceIterator[T]{items: items}
}

// Empty returns an iterator with no elements.
func Empty[T any]() Iterator[T] {
	return &sliceIterator[T]{}
}

func (s *sliceIterator[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if s.pos >= len(s.items) {
		return zero, false, nil
	}
	v := s.items[s.pos]
	s.pos++
	return v, true, nil
}

func (s *sliceIterator[T]) Close() error {
	return nil
}

// errIterator yields a single error.
type errIterator[T any] struct {
	err error
}

// FromError returns an iterator whose first Next call fails with err.
func FromError[T any](err error) Iterator[T] {
	return &errIterator[T]{err: err}
}

func (e *errIterator[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	return zero, false, e.err
}

func (e *errIterator[T]) Close() error {
	return nil
}
