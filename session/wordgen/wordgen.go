// Package wordgen produces memorable default session names. Names feed
// directly into branch names, so the output alphabet is restricted to
// lowercase letters and a single hyphen.
package wordgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var adjectives = []string{
	"azure", "bold", "calm", "daring", "eager",
	"fleet", "gentle", "happy", "jolly", "kind",
	"lively", "merry", "noble", "proud", "quick",
	"quiet", "rapid", "serene", "swift", "wise",
	"bright", "clever", "cosmic", "crystal", "divine",
	"epic", "fair", "golden", "honest", "humble",
	"iron", "jade", "keen", "lunar", "mystic",
	"omega", "pearl", "royal", "sacred", "silver",
	"solar", "stellar", "stoic", "supreme", "tidal",
	"ultra", "valiant", "vivid", "zealous", "zen",
}

var nouns = []string{
	"aardvark", "badger", "cheetah", "dolphin", "eagle",
	"falcon", "gazelle", "hawk", "iguana", "jaguar",
	"koala", "leopard", "mantis", "narwhal", "otter",
	"panther", "quail", "raven", "shark", "tiger",
	"urchin", "viper", "walrus", "xerus", "yak",
	"zebra", "bear", "cobra", "dragon", "elk",
	"fox", "giraffe", "heron", "ibex", "jackal",
	"kite", "lynx", "moose", "newt", "owl",
	"panda", "python", "rabbit", "swan", "turtle",
	"unicorn", "vulture", "whale", "wolf", "wren",
}

// Generate returns a random "adjective-noun" pair using crypto/rand.
// Returns an empty string if the system entropy source fails; callers
// treat that as "no default name available".
func Generate() string {
	adj, err := pick(adjectives)
	if err != nil {
		return ""
	}
	noun, err := pick(nouns)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s-%s", adj, noun)
}

func pick(words []string) (string, error) {
	if len(words) == 0 {
		return "", fmt.Errorf("empty word list")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("failed to generate random number: %w", err)
	}
	return words[n.Int64()], nil
}
