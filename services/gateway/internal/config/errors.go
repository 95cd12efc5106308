package config

import (
	"errors"
	"fmt"
	"strings"

	gwerrors "github.com/carlossalguero/casgate/services/shared/errors"
)

// ErrDocumentNotFound is returned by a Source when a document does not exist.
var ErrDocumentNotFound = errors.New("config document not found")

// ConfigError reports every problem found in a document. A load that
// returns a ConfigError has not changed any state.
type ConfigError struct {
	Document string
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s document: %s", e.Document, strings.Join(e.Problems, "; "))
}

// AsAPIError converts e into a caller-facing error listing the problems.
func (e *ConfigError) AsAPIError() *gwerrors.Error {
	return gwerrors.New(gwerrors.CodeConfigInvalid, fmt.Sprintf("invalid %s document", e.Document)).
		WithDetails(e.Problems)
}

// problems accumulates validation failures for one document.
type problems struct {
	document string
	list     []string
}

func (p *problems) addf(format string, args ...any) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return &ConfigError{Document: p.document, Problems: p.list}
}
