// Copyright 2025 The go-meshinfer Authors
// This file is part of the go-meshinfer library.
//
// The go-meshinfer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-meshinfer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-meshinfer library. If not, see <http://www.gnu.org/licenses/>.

package receipts

import (
	"encoding/json"

	"github.com/meshinfer/go-meshinfer/core/types"
)

// tamper overwrites a stored receipt in place, bypassing the append path.
// Integrity tests use it to check that a mutated receipt fails verification.
func (c *Chain) tamper(user string, number uint64, mutate func(*types.Receipt)) error {
	enc, err := c.db.Get(receiptKey(user, number), nil)
	if err != nil {
		return err
	}
	r := new(types.Receipt)
	if err := json.Unmarshal(enc, r); err != nil {
		return err
	}
	mutate(r)
	enc, err = json.Marshal(r)
	if err != nil {
		return err
	}
	c.latest.Remove(user)
	return c.db.Put(receiptKey(user, number), enc, nil)
}
