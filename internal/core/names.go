package core

import (
	"fmt"
	"math/rand"
)

// Word lists for generated session ids of the form adj-noun-NN.
var (
	sessionAdjectives = []string{
		"amber", "blue", "bright", "calm", "coral", "crimson", "dusty",
		"early", "faded", "gentle", "golden", "green", "hidden", "iron",
		"jade", "late", "lunar", "misty", "neon", "pale", "quiet", "rapid",
		"ruby", "silent", "silver", "solar", "still", "swift", "velvet",
		"wild",
	}
	sessionNouns = []string{
		"aurora", "beacon", "breeze", "canyon", "cloud", "comet", "dawn",
		"delta", "drift", "echo", "ember", "field", "flare", "grove",
		"harbor", "island", "meadow", "nebula", "orbit", "peak", "pine",
		"river", "shore", "sound", "spark", "star", "stone", "tide",
		"valley", "wave",
	}
)

// generateSessionID produces an id of the form adj-noun-NN with NN in
// [10, 89], retrying until it does not collide with an existing id. taken
// reports whether an id is already in use. After enough collisions it falls
// back to widening with a numeric suffix so the call always terminates.
func generateSessionID(taken func(string) bool) string {
	for attempt := 0; attempt < 64; attempt++ {
		adj := sessionAdjectives[rand.Intn(len(sessionAdjectives))]
		noun := sessionNouns[rand.Intn(len(sessionNouns))]
		id := fmt.Sprintf("%s-%s-%d", adj, noun, 10+rand.Intn(80))
		if !taken(id) {
			return id
		}
	}
	for i := 0; ; i++ {
		id := fmt.Sprintf("%s-%s-%d-%d",
			sessionAdjectives[rand.Intn(len(sessionAdjectives))],
			sessionNouns[rand.Intn(len(sessionNouns))],
			10+rand.Intn(80), i)
		if !taken(id) {
			return id
		}
	}
}
