package physical

import (
	"context"
	"errors"
	"strings"
)

// View represents a prefixed view of a physical backend. Every key read or
// written through the view is transparently prefixed, so independent stores
// can share one backend without colliding.
type View struct {
	backend Backend
	prefix  string
}

var _ Backend = (*View)(nil)

// NewView takes an underlying physical backend and returns
// a view of it that can only operate with the given prefix.
func NewView(backend Backend, prefix string) *View {
	return &View{
		backend: backend,
		prefix:  prefix,
	}
}

// Prefix returns the prefix the view operates under.
func (v *View) Prefix() string {
	return v.prefix
}

// SubView returns a view nested under this one.
func (v *View) SubView(prefix string) *View {
	return NewView(v.backend, v.prefix+prefix)
}

func (v *View) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := v.backend.Get(ctx, v.expandKey(key))
	if err != nil || entry == nil {
		return nil, err
	}
	entry.Key = v.truncateKey(entry.Key)
	return entry, nil
}

func (v *View) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("cannot write nil entry")
	}
	nested := &Entry{
		Key:       v.expandKey(entry.Key),
		Value:     entry.Value,
		ExpiresAt: entry.ExpiresAt,
	}
	return v.backend.Put(ctx, nested)
}

func (v *View) Delete(ctx context.Context, key string) error {
	return v.backend.Delete(ctx, v.expandKey(key))
}

func (v *View) List(ctx context.Context, prefix string) ([]string, error) {
	return v.backend.List(ctx, v.expandKey(prefix))
}

func (v *View) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return v.backend.Update(ctx, v.expandKey(key), func(current *Entry) (*Entry, error) {
		if current != nil {
			current.Key = v.truncateKey(current.Key)
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return next, err
		}
		return &Entry{
			Key:       v.expandKey(key),
			Value:     next.Value,
			ExpiresAt: next.ExpiresAt,
		}, nil
	})
}

// Close is a no-op; the owner of the underlying backend closes it.
func (v *View) Close() error {
	return nil
}

func (v *View) expandKey(suffix string) string {
	return v.prefix + suffix
}

func (v *View) truncateKey(full string) string {
	return strings.TrimPrefix(full, v.prefix)
}
