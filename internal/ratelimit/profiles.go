// Package ratelimit provides sliding-window admission control per caller
// identity, backed by the shared coordination store, with a whitelist bypass.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// Profile selects an independent set of limits. The set is closed.
type Profile string

const (
	ProfileDefault Profile = "default"
	ProfileAdmin   Profile = "admin"
	ProfileSystem  Profile = "system"
	ProfilePremium Profile = "premium"
)

// Profiles lists every profile in a stable order.
var Profiles = []Profile{ProfileDefault, ProfileAdmin, ProfileSystem, ProfilePremium}

// ParseProfile maps a name to a Profile.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileDefault, ProfileAdmin, ProfileSystem, ProfilePremium:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("unknown rate limit profile %q", s)
	}
}

// ProfileForRole picks the profile a principal is limited under.
func ProfileForRole(role notification.Role) Profile {
	switch role {
	case notification.RoleAdmin:
		return ProfileAdmin
	case notification.RoleSystem:
		return ProfileSystem
	case notification.RolePremium:
		return ProfilePremium
	default:
		return ProfileDefault
	}
}

// Rule is the limit set of one profile. A BurstLimit of zero disables the
// burst check.
type Rule struct {
	Limit       int           `yaml:"limit"`
	Window      time.Duration `yaml:"window"`
	BurstLimit  int           `yaml:"burst_limit"`
	BurstWindow time.Duration `yaml:"burst_window"`
}

// DefaultRules returns the built-in limits per profile.
func DefaultRules() map[Profile]Rule {
	return map[Profile]Rule{
		ProfileDefault: {Limit: 100, Window: time.Minute, BurstLimit: 20, BurstWindow: time.Second},
		ProfileAdmin:   {Limit: 1000, Window: time.Minute, BurstLimit: 100, BurstWindow: time.Second},
		ProfileSystem:  {Limit: 10000, Window: time.Minute, BurstLimit: 1000, BurstWindow: time.Second},
		ProfilePremium: {Limit: 500, Window: time.Minute, BurstLimit: 50, BurstWindow: time.Second},
	}
}

func (r Rule) validate(p Profile) error {
	if r.Limit <= 0 {
		return fmt.Errorf("profile %s: limit must be positive", p)
	}
	if r.Window <= 0 {
		return fmt.Errorf("profile %s: window must be positive", p)
	}
	if r.BurstLimit < 0 {
		return fmt.Errorf("profile %s: burst limit cannot be negative", p)
	}
	if r.BurstLimit > 0 && r.BurstWindow <= 0 {
		return fmt.Errorf("profile %s: burst window must be positive when a burst limit is set", p)
	}
	return nil
}
