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

// Package plantoken signs the fragment plans and cancel tokens the
// coordinator hands out, and verifies them on executors. Both are HS256
// JWTs under a key shared by the cluster; the subject is the query id.
package plantoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/multigres/multisplit/go/common/mterrors"
)

const (
	// Issuer is the iss claim of every token.
	Issuer = "multisplit-coordinator"

	audiencePlan   = "fragment"
	audienceCancel = "cancel"

	// MinKeyLen is the shortest accepted signing key.
	MinKeyLen = 16
)

// PlanClaims is the content of a fragment plan.
type PlanClaims struct {
	jwt.RegisteredClaims
	// SQL is the statement the executor runs for the fragment.
	SQL string `json:"sql"`
	// Fragment is the fragment index within the query.
	Fragment int32 `json:"frag"`
	// Fragments is the number of fragments in the query.
	Fragments int32 `json:"frags"`
}

// Signer signs and verifies tokens with one key.
type Signer struct {
	key []byte
	now func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// NewSigner returns a Signer over key.
func NewSigner(key []byte, opts ...Option) (*Signer, error) {
	if len(key) < MinKeyLen {
		return nil, fmt.Errorf("plan signing key must be at least %d bytes, got %d", MinKeyLen, len(key))
	}
	s := &Signer{key: append([]byte(nil), key...), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SignPlan returns the plan payload for one fragment of a query. The plan
// stops verifying at expiresAt.
func (s *Signer) SignPlan(queryID string, fragment, fragments int32, sql string, expiresAt time.Time) ([]byte, error) {
	claims := &PlanClaims{
		RegisteredClaims: s.registered(queryID, audiencePlan, expiresAt),
		SQL:              sql,
		Fragment:         fragment,
		Fragments:        fragments,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign plan for %s/%d: %w", queryID, fragment, err)
	}
	return []byte(signed), nil
}

// VerifyPlan checks that plan was signed for fragment of queryID and has
// not expired, and returns its claims.
func (s *Signer) VerifyPlan(plan []byte, queryID string, fragment int32) (*PlanClaims, error) {
	claims := &PlanClaims{}
	if err := s.parse(string(plan), claims, queryID, audiencePlan); err != nil {
		return nil, err
	}
	if claims.Fragment != fragment {
		return nil, mterrors.Errorf(mterrors.KindAuthentication, "plan is for fragment %d, not %d", claims.Fragment, fragment)
	}
	return claims, nil
}

// SignCancel returns a token that authorizes cancelling queryID on
// executors until expiresAt.
func (s *Signer) SignCancel(queryID string, expiresAt time.Time) (string, error) {
	claims := s.registered(queryID, audienceCancel, expiresAt)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign cancel token for %s: %w", queryID, err)
	}
	return signed, nil
}

// VerifyCancel checks a token produced by SignCancel for queryID.
func (s *Signer) VerifyCancel(token, queryID string) error {
	return s.parse(token, &jwt.RegisteredClaims{}, queryID, audienceCancel)
}

func (s *Signer) registered(queryID, audience string, expiresAt time.Time) jwt.RegisteredClaims {
	now := s.now().UTC()
	return jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   queryID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func (s *Signer) parse(token string, claims jwt.Claims, queryID, audience string) error {
	if token == "" {
		return mterrors.New(mterrors.KindAuthentication, "missing token")
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(audience),
		jwt.WithSubject(queryID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return mterrors.Wrap(mterrors.KindAuthentication, err, "invalid "+audience+" token")
	}
	return nil
}
