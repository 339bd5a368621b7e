package agent

import (
	"context"
	"fmt"
	"strings"
)

// Flavor is the browser family hosting an agent.
type Flavor string

const (
	FlavorSelfHosted Flavor = "selfhosted"
	FlavorFirefox    Flavor = "firefox"
	FlavorChrome     Flavor = "chrome"
	FlavorEdge       Flavor = "edge"
)

var validFlavors = []Flavor{FlavorSelfHosted, FlavorFirefox, FlavorChrome, FlavorEdge}

// ParseFlavor validates a flavor name, case-insensitively.
func ParseFlavor(s string) (Flavor, error) {
	for _, f := range validFlavors {
		if strings.EqualFold(string(f), s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown browser flavor %q, must be one of %v", s, validFlavors)
}

// LaunchConfig is everything a launcher needs to start one agent.
type LaunchConfig struct {
	InstanceID  string
	Flavor      Flavor
	TestPageURL string
	ShowWindow  bool
	ForceStart  bool
	// Multiple is set when more than one agent runs at once, so hosts that
	// share a profile can isolate themselves.
	Multiple bool
}

// Handle identifies a launched agent to its launcher.
type Handle interface {
	InstanceID() string
}

// Launcher starts and stops agents. It is implemented outside the core.
type Launcher interface {
	LaunchAgent(ctx context.Context, cfg LaunchConfig) (Handle, error)
	TerminateAgent(ctx context.Context, h Handle) error
}
