package store

import (
	"math/rand"
	"strconv"
)

const hostnameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewInstanceID returns a synthetic Windows hostname. The desktop client
// reports its machine name here, so the value has to look like one.
func NewInstanceID() string {
	b := make([]byte, 7)
	for i := range b {
		b[i] = hostnameAlphabet[rand.Intn(len(hostnameAlphabet))]
	}
	return "DESKTOP-" + string(b)
}

// NewSessionID returns a fresh session id. The client emits a negative
// 64-bit integer rendered in decimal, one per launch.
func NewSessionID() string {
	return strconv.FormatInt(-(rand.Int63() + 1), 10)
}
