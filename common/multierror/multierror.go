//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package multierror

import (
	"bytes"
	"fmt"
)

// Error bundles multiple errors and make them obey the error interface
type Error struct {
	errs []error
}

func (e *Error) Error() string {
	if len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	buf := bytes.NewBuffer(nil)

	fmt.Fprintf(buf, "%d error(s) occurred:", len(e.errs))
	for _, err := range e.errs {
		fmt.Fprintf(buf, "\n%s", err)
	}
	return buf.String()
}

// Errors returns the bundled errors in the order they were appended.
func (e *Error) Errors() []error {
	return e.errs
}

// Append creates a new multierror.Error or appends the arguments to an existing one.
// err can be nil, or can be a non-multierror error. Nil errs are skipped and
// nested multierrors are flattened; if nothing is left, the result is nil.
func Append(err error, errs ...error) error {
	var res *Error
	switch e := err.(type) {
	case nil:
		res = &Error{}
	case *Error:
		res = e
	default:
		res = &Error{errs: []error{e}}
	}
	for _, e := range errs {
		switch e := e.(type) {
		case nil:
		case *Error:
			res.errs = append(res.errs, e.errs...)
		default:
			res.errs = append(res.errs, e)
		}
	}
	if len(res.errs) == 0 {
		return nil
	}
	return res
}
