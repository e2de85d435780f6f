// Copyright 2025 Supabase, Inc.
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

package coordinator

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/multigres/multisplit/go/common/mterrors"
)

// Users holds the principals allowed to open sessions, with bcrypt hashes
// of their secrets.
type Users struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewUsers returns an empty user table.
func NewUsers() *Users {
	return &Users{hashes: make(map[string][]byte)}
}

// Add hashes secret at cost and stores it for principal. A cost of zero
// uses bcrypt.DefaultCost.
func (u *Users) Add(principal, secret string, cost int) error {
	if principal == "" {
		return fmt.Errorf("principal is required")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return fmt.Errorf("failed to hash secret for %s: %w", principal, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hashes[principal] = hash
	return nil
}

// AddHash stores an existing bcrypt hash for principal.
func (u *Users) AddHash(principal, hash string) error {
	if principal == "" {
		return fmt.Errorf("principal is required")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("invalid bcrypt hash for %s: %w", principal, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hashes[principal] = []byte(hash)
	return nil
}

// Authenticate checks secret against the stored hash of principal.
func (u *Users) Authenticate(principal, secret string) error {
	u.mu.RLock()
	hash, ok := u.hashes[principal]
	u.mu.RUnlock()
	if !ok {
		return mterrors.Errorf(mterrors.KindAuthentication, "unknown principal %q", principal)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return mterrors.Errorf(mterrors.KindAuthentication, "invalid secret for principal %q", principal)
	}
	return nil
}
