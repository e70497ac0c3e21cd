package ratelimit

import "context"

// Persister mirrors lockouts to durable storage.
type Persister interface {
	Record(ctx context.Context, rec Record) error
	Clear(ctx context.Context, credentialID string) error
	Close() error
}

// Loader is implemented by persisters that can return stored lockouts.
type Loader interface {
	Load(ctx context.Context) ([]Record, error)
}

// NopPersister keeps nothing.
type NopPersister struct{}

func (NopPersister) Record(context.Context, Record) error { return nil }
func (NopPersister) Clear(context.Context, string) error  { return nil }
func (NopPersister) Close() error                         { return nil }
