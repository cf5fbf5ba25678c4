// Package server generates readable throwaway nicknames for visitors that
// arrive without an identity.
package server

import (
	"crypto/rand"
	"strings"
	"time"
)

var nicknameAdjectives = []string{
	"Amber", "Bold", "Brisk", "Calm", "Clever", "Cosmic", "Crimson", "Daring",
	"Eager", "Fuzzy", "Gentle", "Golden", "Hidden", "Jolly", "Keen", "Lively",
	"Lucky", "Mellow", "Nimble", "Quiet", "Rapid", "Silent", "Sunny", "Swift",
	"Vivid", "Witty",
}

var nicknameNouns = []string{
	"Badger", "Comet", "Falcon", "Fox", "Harbor", "Heron", "Lantern", "Lynx",
	"Maple", "Meadow", "Orbit", "Otter", "Panda", "Pebble", "Pine", "Raven",
	"River", "Sparrow", "Summit", "Tiger", "Walrus", "Willow",
}

// GenerateNickname builds an Adjective+Noun+digits nickname, with two or
// three trailing digits.
func GenerateNickname() string {
	var sb strings.Builder
	sb.WriteString(nicknameAdjectives[randInt(len(nicknameAdjectives))])
	sb.WriteString(nicknameNouns[randInt(len(nicknameNouns))])

	digits := 2 + randInt(2)
	for i := 0; i < digits; i++ {
		sb.WriteByte(byte('0' + randInt(10)))
	}
	return sb.String()
}

// randInt returns a random value in [0, max) from crypto/rand, falling back
// to the clock if the random source fails.
func randInt(max int) int {
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		return int(time.Now().UnixNano()) % max
	}
	return int(b[0]) % max
}
