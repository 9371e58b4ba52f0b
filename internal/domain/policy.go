package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Channel identifies notification transport of one policy target.
type Channel string

const (
	// ChannelEmail delivers to email addresses.
	ChannelEmail Channel = "email"
	// ChannelSMS delivers to phone numbers.
	ChannelSMS Channel = "sms"
	// ChannelTelegram delivers to Telegram chat IDs.
	ChannelTelegram Channel = "telegram"
)

// Channels lists supported channels in deterministic order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelTelegram}
}

// ParseChannel normalizes a channel name ("EMAIL", " sms ") into Channel.
// Params: raw channel value from wire or config.
// Returns: known channel or error.
func ParseChannel(raw string) (Channel, error) {
	channel := Channel(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Channels() {
		if channel == known {
			return channel, nil
		}
	}
	return "", fmt.Errorf("unsupported channel %q", raw)
}

// Target is one recipient set reachable through one channel.
// Params: channel tag and channel-specific address list.
// Returns: policy level target.
type Target struct {
	ID        string   `json:"id,omitempty" toml:"id"`
	Name      string   `json:"name,omitempty" toml:"name"`
	Channel   Channel  `json:"type" toml:"type"`
	Addresses []string `json:"addresses,omitempty" toml:"addresses"`
}

// UnmarshalJSON accepts generic addresses plus channel-specific lists
// (emails, phoneNumbers, chatIds) used by policy authoring services.
func (t *Target) UnmarshalJSON(raw []byte) error {
	var wire struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Type         string   `json:"type"`
		Addresses    []string `json:"addresses"`
		Emails       []string `json:"emails"`
		PhoneNumbers []string `json:"phoneNumbers"`
		ChatIDs      []string `json:"chatIds"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	channel, err := ParseChannel(wire.Type)
	if err != nil {
		return err
	}
	addresses := append([]string(nil), wire.Addresses...)
	switch channel {
	case ChannelEmail:
		addresses = append(addresses, wire.Emails...)
	case ChannelSMS:
		addresses = append(addresses, wire.PhoneNumbers...)
	case ChannelTelegram:
		addresses = append(addresses, wire.ChatIDs...)
	}
	*t = Target{
		ID:        wire.ID,
		Name:      wire.Name,
		Channel:   channel,
		Addresses: compactAddresses(addresses),
	}
	return nil
}

// Deliverable reports whether target has at least one address.
func (t Target) Deliverable() bool {
	return len(compactAddresses(t.Addresses)) > 0
}

// EscalationPolicyLevel is one ordered step of an escalation policy.
type EscalationPolicyLevel struct {
	ID      string   `json:"id,omitempty" toml:"id"`
	Name    string   `json:"name,omitempty" toml:"name"`
	Order   int      `json:"order" toml:"order"`
	Targets []Target `json:"targets" toml:"targets"`
}

// EscalationPolicy maps one service to its ordered escalation levels.
// Params: service ownership, document version, and levels.
// Returns: whole policy document replaced on change events.
type EscalationPolicy struct {
	ID        string                  `json:"id,omitempty" toml:"id"`
	Name      string                  `json:"name,omitempty" toml:"name"`
	ServiceID string                  `json:"service_id" toml:"service_id"`
	Version   int64                   `json:"version,omitempty" toml:"version"`
	Levels    []EscalationPolicyLevel `json:"levels" toml:"levels"`
}

// Normalize returns a copy with levels sorted by order, channels lower-cased,
// and blank addresses removed.
func (p EscalationPolicy) Normalize() EscalationPolicy {
	out := p
	out.ServiceID = strings.TrimSpace(p.ServiceID)
	out.Levels = make([]EscalationPolicyLevel, len(p.Levels))
	for i, level := range p.Levels {
		next := level
		next.Targets = make([]Target, len(level.Targets))
		for j, target := range level.Targets {
			normalized := target
			normalized.Channel = Channel(strings.ToLower(strings.TrimSpace(string(target.Channel))))
			normalized.Addresses = compactAddresses(target.Addresses)
			next.Targets[j] = normalized
		}
		out.Levels[i] = next
	}
	sort.SliceStable(out.Levels, func(i, j int) bool {
		return out.Levels[i].Order < out.Levels[j].Order
	})
	return out
}

// Validate checks that the policy is complete enough to drive escalation.
// Params: normalized or raw policy document.
// Returns: validation error describing the first defect.
func (p EscalationPolicy) Validate() error {
	if strings.TrimSpace(p.ServiceID) == "" {
		return errors.New("service_id is required")
	}
	if len(p.Levels) == 0 {
		return errors.New("at least one level is required")
	}
	for i, level := range p.Levels {
		for j, target := range level.Targets {
			if _, err := ParseChannel(string(target.Channel)); err != nil {
				return fmt.Errorf("levels[%d].targets[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// LastLevelIndex returns index of the deepest level, or -1 for an empty policy.
func (p EscalationPolicy) LastLevelIndex() int {
	return len(p.Levels) - 1
}

// ClampLevel bounds requested level to the deepest defined level.
// Params: requested zero-based level.
// Returns: min(level, last index), never below zero.
func (p EscalationPolicy) ClampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if last := p.LastLevelIndex(); level > last {
		return last
	}
	return level
}

// NextLevel returns the stored level after one unacknowledged timeout.
// The level grows by one until it passes the deepest level once, then
// saturates; a level already beyond a shrunken policy never decreases.
func (p EscalationPolicy) NextLevel(current int) int {
	next := current + 1
	if ceiling := len(p.Levels); next > ceiling {
		return max(current, ceiling)
	}
	return next
}

// TargetsAt returns deliverable targets of the clamped level.
// Params: requested stored level.
// Returns: selected level index and its targets with at least one address.
func (p EscalationPolicy) TargetsAt(level int) (int, []Target) {
	index := p.ClampLevel(level)
	if index < 0 || index >= len(p.Levels) {
		return index, nil
	}
	out := make([]Target, 0, len(p.Levels[index].Targets))
	for _, target := range p.Levels[index].Targets {
		if target.Deliverable() {
			out = append(out, target)
		}
	}
	return index, out
}

func compactAddresses(addresses []string) []string {
	if len(addresses) == 0 {
		return nil
	}
	out := make([]string, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, address := range addresses {
		trimmed := strings.TrimSpace(address)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
