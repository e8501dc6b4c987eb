package exceptions

import (
	"errors"
	"strings"

	"github.com/sagernet/sing-netcore/common"
)

type MultiError interface {
	Unwrap() []error
}

type multiError struct {
	errors []error
}

func (e *multiError) Error() string {
	return strings.Join(common.Map(e.errors, error.Error), " | ")
}

func (e *multiError) Unwrap() []error {
	return e.errors
}

// Errors joins the non-nil errors; it returns nil if none remain and the
// error itself if exactly one remains.
func Errors(errors ...error) error {
	errors = common.Filter(errors, func(it error) bool {
		return it != nil
	})
	switch len(errors) {
	case 0:
		return nil
	case 1:
		return errors[0]
	}
	return &multiError{errors: errors}
}

func IsMulti(err error, targetList ...error) bool {
	if err == nil {
		return false
	}
	for _, target := range targetList {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
