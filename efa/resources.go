package efa

import "go.uber.org/multierr"

type resource struct {
	name  string
	close func() error
}

// resourceStack releases acquired handles in reverse acquisition order.
type resourceStack struct {
	items []resource
}

func (s *resourceStack) push(name string, close func() error) {
	s.items = append(s.items, resource{name: name, close: close})
}

// unwind closes every resource, newest first, logging and collecting
// failures. The stack is empty afterwards.
func (s *resourceStack) unwind(logger Logger) error {
	var errs error
	for i := len(s.items) - 1; i >= 0; i-- {
		res := s.items[i]
		if err := res.close(); err != nil {
			logger.Errorw("failed to release resource", "resource", res.name, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	s.items = nil
	return errs
}
