package extension

import (
	"regexp"

	"github.com/waypointhq/waypoint/core"
)

// ValidateWithRegex checks input text against a pattern; the whole text must
// match:
//
//	["custom", {"name": "validate_with_regex",
//	            "args": {"input_text": "USER_EMAIL", "regex": "[^@]+@[^@]+"}}]
type ValidateWithRegex struct {
	*Base
}

// NewValidateWithRegex builds the extension.
func NewValidateWithRegex(ec *core.ExtensionContext) (core.Extension, error) {
	return &ValidateWithRegex{Base: NewBase(ec)}, nil
}

// Run validates and completes with success or failure.
func (v *ValidateWithRegex) Run() error {
	input, ok := v.StringArg("input_text")
	if !ok {
		v.Logger().Error("validate_with_regex: missing or invalid input_text(str)")
		v.Failed(nil)
		return nil
	}
	pattern, ok := v.StringArg("regex")
	if !ok {
		v.Logger().Error("validate_with_regex: missing or invalid regex(str)")
		v.Failed(nil)
		return nil
	}

	re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		v.Logger().Error("validate_with_regex: invalid regex", "error", err)
		v.Failed(nil)
		return nil
	}

	if re.MatchString(input) {
		v.Succeeded(nil)
	} else {
		v.Failed(nil)
	}
	return nil
}
