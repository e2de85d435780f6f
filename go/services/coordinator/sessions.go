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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multigres/multisplit/go/common/mterrors"
)

type session struct {
	token     string
	principal string
	lastUsed  time.Time
}

// sessionTable holds open sessions. A session that sees no call for the
// idle timeout is dropped.
type sessionTable struct {
	idle time.Duration

	mu      sync.Mutex
	byToken map[string]*session
}

func newSessionTable(idle time.Duration) *sessionTable {
	return &sessionTable{idle: idle, byToken: make(map[string]*session)}
}

func (t *sessionTable) open(principal string, now time.Time) *session {
	s := &session{token: uuid.NewString(), principal: principal, lastUsed: now}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byToken[s.token] = s
	return s
}

// touch returns the session of token and marks it used.
func (t *sessionTable) touch(token string, now time.Time) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byToken[token]
	if !ok {
		return nil, mterrors.New(mterrors.KindAuthentication, "unknown or closed session")
	}
	if now.Sub(s.lastUsed) >= t.idle {
		delete(t.byToken, token)
		return nil, mterrors.New(mterrors.KindAuthentication, "session expired")
	}
	s.lastUsed = now
	return s, nil
}

func (t *sessionTable) close(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byToken[token]
	delete(t.byToken, token)
	return ok
}

// reap drops idle sessions and returns how many were dropped.
func (t *sessionTable) reap(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for token, s := range t.byToken {
		if now.Sub(s.lastUsed) >= t.idle {
			delete(t.byToken, token)
			n++
		}
	}
	return n
}

func (t *sessionTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}
