// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package inneropt

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

func errMismatch(group, nparam, ngrad int) error {
	return errors.E(errors.Invalid, fmt.Sprintf(
		"inneropt: group %d: param/grad length mismatch (%d != %d)", group, nparam, ngrad))
}
