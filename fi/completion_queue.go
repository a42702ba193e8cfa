package fi

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

// CompletionQueue wraps a polling-mode, data-format completion queue.
type CompletionQueue struct {
	handle *capi.CompletionQueue
}

// OpenCompletionQueue opens a completion queue with no wait object.
func (d *Domain) OpenCompletionQueue(attr provider.CQAttr) (provider.CompletionQueue, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	handle, err := capi.OpenCompletionQueue(d.handle, attr.Size, capi.WaitNone)
	if err != nil {
		return nil, err
	}
	return &CompletionQueue{handle: handle}, nil
}

// Read drains up to max completions. When the provider reports an error
// entry it is returned as a failed completion instead of an error.
func (c *CompletionQueue) Read(max int) ([]provider.Completion, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	entries, err := c.handle.Read(max)
	if errors.Is(err, capi.ErrUnavailable) {
		return c.readError()
	}
	if err != nil {
		return nil, err
	}
	out := make([]provider.Completion, 0, len(entries))
	for _, entry := range entries {
		value, resolveErr := resolveCompletion(entry.Context)
		out = append(out, provider.Completion{Context: value, Length: entry.Length, Err: resolveErr})
	}
	return out, nil
}

func (c *CompletionQueue) readError() ([]provider.Completion, error) {
	entry, err := c.handle.ReadError()
	if err != nil || entry == nil {
		return nil, err
	}
	value, resolveErr := resolveCompletion(entry.Context)
	if resolveErr != nil {
		return nil, resolveErr
	}
	return []provider.Completion{{
		Context: value,
		Length:  entry.Length,
		Err:     fmt.Errorf("libfabric: completion error (prov_errno %d): %w", entry.ProviderErr, entry.Err),
	}}, nil
}

// Close releases the completion queue.
func (c *CompletionQueue) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	return err
}
