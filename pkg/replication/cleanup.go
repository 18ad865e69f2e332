package replication

import (
	"errors"
	"io"

	"github.com/dd0wney/cluso-replog/pkg/logging"
)

// ResourceCleanup closes sockets opened during a multi-step start in reverse
// order. Call Clear once the start succeeded so a deferred Cleanup keeps
// them open.
type ResourceCleanup struct {
	logger    logging.Logger
	resources []namedCloser
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// NewResourceCleanup creates an empty cleanup stack.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	return &ResourceCleanup{
		logger:    logging.OrNop(logger),
		resources: make([]namedCloser, 0, 4),
	}
}

// Add registers a resource. Nil closers are ignored.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	if closer == nil {
		return
	}
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes every registered resource, logging failures.
func (rc *ResourceCleanup) Cleanup() {
	_ = rc.CloseAll()
}

// CloseAll closes every registered resource and returns the joined close
// errors.
func (rc *ResourceCleanup) CloseAll() error {
	var errs []error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if err := r.closer.Close(); err != nil {
			rc.logger.Warn("failed to close resource", logging.String("resource", r.name), logging.Error(err))
			errs = append(errs, err)
		}
	}
	rc.resources = rc.resources[:0]
	return errors.Join(errs...)
}

// Clear forgets the registered resources without closing them.
func (rc *ResourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
