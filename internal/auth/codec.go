package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Codec hashes and checks passwords with bcrypt.
type Codec struct {
	Cost int
}

func NewCodec(cost int) Codec {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return Codec{Cost: cost}
}

var (
	dummyMu     sync.Mutex
	dummyHashes = map[int]string{}
)

func (c Codec) cost() int {
	if c.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return c.Cost
}

// Hash returns a salted bcrypt digest. Two calls on the same input differ.
func (c Codec) Hash(password string) (string, error) {
	cost := c.cost()
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("bcrypt cost %d out of range", cost)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrPasswordTooLong
		}
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Verify reports whether password matches hash. Malformed hashes never match.
func (c Codec) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy compares password against a throwaway hash of the codec's cost.
// Login calls it for unknown emails so both failure paths take as long.
func (c Codec) VerifyDummy(password string) bool {
	hash, err := c.dummyHash()
	if err != nil {
		return false
	}
	c.Verify(password, hash)
	return false
}

func (c Codec) dummyHash() (string, error) {
	dummyMu.Lock()
	defer dummyMu.Unlock()
	cost := c.cost()
	if h, ok := dummyHashes[cost]; ok {
		return h, nil
	}
	h, err := c.Hash("taskpilot-unknown-account")
	if err != nil {
		return "", err
	}
	dummyHashes[cost] = h
	return h, nil
}
