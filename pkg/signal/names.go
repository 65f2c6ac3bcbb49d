package signal

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

var adjectives = []string{
	"QUICK", "LAZY", "HAPPY", "CALM", "BRAVE",
	"BRIGHT", "COOL", "EAGER", "GENTLE", "GRAND",
	"GREEN", "BLUE", "GOLD", "SILVER", "WARM",
	"BOLD", "CLEAR", "CRISP", "FRESH", "KIND",
	"NEAT", "PROUD", "SHARP", "SMART", "WISE",
}

var nouns = []string{
	"FROG", "TIGER", "RIVER", "CLOUD", "STONE",
	"HAWK", "DEER", "LION", "EAGLE", "WHALE",
	"PANDA", "OTTER", "TREE", "LAKE", "MOON",
	"STAR", "WAVE", "PEAK", "DAWN", "STORM",
	"GROVE", "HILL", "RIDGE", "SHORE", "TRAIL",
}

var rng *rand.Rand

func init() {
	rng = rand.New(rand.NewSource(time.Now().UnixNano()))
}

// GenerateDeviceName creates a memorable display name in ADJECTIVE-NOUN-NN
// format for devices that have none configured.
func GenerateDeviceName() string {
	adj := adjectives[rng.Intn(len(adjectives))]
	noun := nouns[rng.Intn(len(nouns))]
	num := rng.Intn(100)
	return fmt.Sprintf("%s-%s-%02d", adj, noun, num)
}

// NormalizeServiceType ensures consistent formatting (lowercase, trimmed)
func NormalizeServiceType(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}

// ValidateServiceType checks a normalized service type: 1-15 characters of
// [a-z0-9-], not starting or ending with a hyphen.
func ValidateServiceType(service string) bool {
	if len(service) == 0 || len(service) > 15 {
		return false
	}
	if service[0] == '-' || service[len(service)-1] == '-' {
		return false
	}
	for _, r := range service {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}
