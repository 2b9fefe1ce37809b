package template

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownTemplate = errors.New("template: unknown template id")

// MissingFieldsError names the required fields absent from the render data.
type MissingFieldsError struct {
	TemplateID string
	Fields     []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("template %q: missing required fields: %s", e.TemplateID, strings.Join(e.Fields, ", "))
}
