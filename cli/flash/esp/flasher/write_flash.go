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

package flasher

import (
	"context"

	"github.com/juju/errors"
)

// WriteFlash is a one-shot helper: connects if needed, flashes data at addr
// and disconnects again if it was the one to connect.
func WriteFlash(ctx context.Context, cm *ConnectionManager, fc *FlashController, addr uint32, data []byte) error {
	if cm.State() != Connected {
		if err := cm.Toggle(ctx); err != nil {
			return errors.Trace(err)
		}
		defer cm.Disconnect(ctx)
	}
	return errors.Trace(fc.StartFlash(ctx, NewFlashJobAt(data, addr)))
}
