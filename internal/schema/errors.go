package schema

import (
	"errors"
	"fmt"
)

// ErrSchemaInvalid is returned when an entity fails validation. It is a
// programmer or data error and is never retried.
var ErrSchemaInvalid = errors.New("schema invalid")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaInvalid, fmt.Sprintf(format, args...))
}
