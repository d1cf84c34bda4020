package script

import (
	"fmt"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
)

// Season groups a contiguous server range on the selection screen.
type Season struct {
	Name   string
	First  int
	Last   int
	Tap    core.Point // Baseline tap point of the season tab
	Scroll bool       // Tab list must be scrolled before the tab is visible
}

// DefaultSeasons is the season table, newest first.
var DefaultSeasons = []Season{
	{Name: "S1", First: 577, Last: 600, Tap: core.Point{X: 400, Y: 150}},
	{Name: "S2", First: 541, Last: 576, Tap: core.Point{X: 400, Y: 200}},
	{Name: "S3", First: 505, Last: 540, Tap: core.Point{X: 400, Y: 250}},
	{Name: "S4", First: 481, Last: 504, Tap: core.Point{X: 400, Y: 300}},
	{Name: "S5", First: 433, Last: 480, Tap: core.Point{X: 400, Y: 350}},
	{Name: "X1", First: 409, Last: 432, Tap: core.Point{X: 400, Y: 400}},
	{Name: "X2", First: 266, Last: 407, Tap: core.Point{X: 400, Y: 250}, Scroll: true},
	{Name: "X3", First: 1, Last: 264, Tap: core.Point{X: 400, Y: 300}, Scroll: true},
}

// SeasonFor returns the season containing server.
func SeasonFor(server int) (Season, bool) {
	for _, s := range DefaultSeasons {
		if server >= s.First && server <= s.Last {
			return s, true
		}
	}
	return Season{}, false
}

// SeasonNamed looks a season up by name.
func SeasonNamed(name string) (Season, bool) {
	for _, s := range DefaultSeasons {
		if s.Name == name {
			return s, true
		}
	}
	return Season{}, false
}

// resolveSeason picks the season by explicit name or by the world's first
// server, applying the script's tap point overrides.
func resolveSeason(name string, world core.World, overrides map[string]core.Point) (Season, error) {
	var (
		s  Season
		ok bool
	)
	switch {
	case name != "":
		s, ok = SeasonNamed(name)
		if !ok {
			return s, core.ErrInvalidInput.WithMessage("unknown season: " + name)
		}
	case world.IsZero():
		return s, core.ErrInvalidInput.WithMessage("no season given and no server range set")
	default:
		s, ok = SeasonFor(world.ServerStart)
		if !ok {
			return s, core.ErrInvalidInput.WithMessage(fmt.Sprintf("server %d is in no season", world.ServerStart))
		}
	}
	if p, ok := overrides[s.Name]; ok {
		s.Tap = p
	}
	return s, nil
}
