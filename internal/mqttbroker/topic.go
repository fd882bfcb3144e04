package mqttbroker

import (
	"fmt"
	"strings"
)

// MatchTopic reports whether topic matches the subscription filter, honoring
// the single-level "+" and multi-level "#" wildcards.
func MatchTopic(filter, topic string) bool {
	// Topics starting with $ are not matched by leading wildcards.
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("filter %q: # must be the last level", filter)
		case level != "+" && level != "#" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}

func validateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic name")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("topic %q contains wildcards", topic)
	}
	return nil
}
