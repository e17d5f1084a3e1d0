package service

import (
	"context"
	"time"
)

// StringSet is a set of strings (all elements are unique)
type StringSet map[string]struct{}

// Push adds the string to the set if not already exists
func (ss StringSet) Push(s string) {
	ss[s] = struct{}{}
}

// Exists returns true if the string already exists in the Set
func (ss StringSet) Exists(s string) bool {
	_, ok := ss[s]
	return ok
}

// Retriable calls f at most nbTries times, until it succeeds or returns a Fatal error.
// The delay between two tries doubles after each failure, starting at delay.
// The last error is returned.
func Retriable(ctx context.Context, f func() error, delay time.Duration, nbTries int) error {
	var err error
	for i := 0; i < nbTries; i++ {
		if i > 0 {
			select {
			case <-time.After(delay << (i - 1)):
			case <-ctx.Done():
				return MergeErrors(true, err, ctx.Err())
			}
		}
		if err = f(); err == nil || Fatal(err) {
			return err
		}
	}
	return err
}
