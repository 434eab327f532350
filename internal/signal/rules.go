package signal

import (
	"fmt"
	"net/url"
	"strings"
)

// Query parameter names the extractor understands.
const (
	ParamVisitorID = "admitad_uid"
	ParamPartnerID = "pid"
	ParamUTMSource = "utm_source"
	ParamGCLID     = "gclid"
	ParamFBCLID    = "fbclid"
	ParamCJEvent   = "cjevent"
	ParamDebug     = "admitad_debug"
)

// Rule is one entry of the channel priority chain. Match returns the channel
// the rule assigns and whether it applies to the query at all.
type Rule struct {
	Name  string
	Match func(q url.Values) (string, bool)
}

// ParamValue credits the value of param itself, e.g. utm_source=newsletter.
func ParamValue(param string) Rule {
	return Rule{
		Name: param,
		Match: func(q url.Values) (string, bool) {
			v := strings.TrimSpace(q.Get(param))
			return v, v != ""
		},
	}
}

// ParamPresent credits channel whenever param carries a non-empty value.
func ParamPresent(param, channel string) Rule {
	return Rule{
		Name: param,
		Match: func(q url.Values) (string, bool) {
			if strings.TrimSpace(q.Get(param)) == "" {
				return "", false
			}
			return channel, true
		},
	}
}

// DefaultRules is the storefront's priority chain: explicit campaign source,
// then ad-network click ids from the most specific network down, then the
// partner's own visitor id as a direct-from-partner signal.
func DefaultRules() []Rule {
	return []Rule{
		ParamValue(ParamUTMSource),
		ParamPresent(ParamGCLID, "google"),
		ParamPresent(ParamFBCLID, "facebook"),
		ParamPresent(ParamCJEvent, "cj"),
		ParamPresent(ParamVisitorID, "admitad"),
	}
}

// GatewayRules is the chain the collector gateway applies when it sets its
// own last-source cookie. Google clicks are tagged for auto-markup there.
func GatewayRules() []Rule {
	return []Rule{
		ParamValue(ParamUTMSource),
		ParamPresent(ParamGCLID, "advAutoMarkup"),
		ParamPresent(ParamFBCLID, "facebook"),
	}
}

// RuleSpec is the configuration form of a Rule: either Value (credit the
// parameter's own value) or Channel (credit a fixed channel when present).
type RuleSpec struct {
	Param   string `yaml:"param"`
	Channel string `yaml:"channel,omitempty"`
	Value   bool   `yaml:"value,omitempty"`
}

// BuildRules turns configured specs into rules, preserving order.
func BuildRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, s := range specs {
		switch {
		case s.Param == "":
			return nil, fmt.Errorf("rule %d: param is required", i)
		case s.Value && s.Channel != "":
			return nil, fmt.Errorf("rule %d (%s): value and channel are mutually exclusive", i, s.Param)
		case s.Value:
			rules = append(rules, ParamValue(s.Param))
		case s.Channel != "":
			rules = append(rules, ParamPresent(s.Param, s.Channel))
		default:
			return nil, fmt.Errorf("rule %d (%s): one of value or channel is required", i, s.Param)
		}
	}
	return rules, nil
}

// Decide evaluates rules first-match-wins and returns the winning channel
// and the name of the rule that produced it.
func Decide(rules []Rule, q url.Values) (channel, rule string, ok bool) {
	for _, r := range rules {
		if ch, matched := r.Match(q); matched && ch != "" {
			return ch, r.Name, true
		}
	}
	return "", "", false
}
