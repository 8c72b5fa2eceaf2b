package physical

import (
	"github.com/stephnangue/sessiongate/logger"
)

// Factory is the factory function to create a storage backend.
type Factory func(config map[string]string, log logger.Logger) (Backend, error)
