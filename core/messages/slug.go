package messages

import (
	"fmt"
	"math/rand/v2"
)

// Project names are generated, not user-supplied. Collisions are harmless
// since projects are keyed by id.
var (
	slugAdjectives = []string{
		"amber", "bold", "brisk", "calm", "clever", "cosmic", "crimson",
		"eager", "fleet", "gentle", "golden", "keen", "lively", "lucid",
		"mellow", "nimble", "polar", "quiet", "rapid", "silver", "solar",
		"stellar", "swift", "vivid", "wild",
	}
	slugNouns = []string{
		"anchor", "aurora", "beacon", "canyon", "cedar", "comet", "delta",
		"ember", "falcon", "garden", "harbor", "island", "lagoon", "meadow",
		"orbit", "otter", "prairie", "raven", "reef", "ridge", "river",
		"sparrow", "summit", "tundra", "willow",
	}
)

func generateSlug() string {
	return fmt.Sprintf("%s-%s",
		slugAdjectives[rand.IntN(len(slugAdjectives))],
		slugNouns[rand.IntN(len(slugNouns))])
}
