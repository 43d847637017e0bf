package entity

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind names one synchronized entity collection.
type Kind string

const (
	KindReports       Kind = "reports"
	KindAgents        Kind = "agents"
	KindZones         Kind = "zones"
	KindNotifications Kind = "notifications"
	KindMessages      Kind = "messages"
)

const apiPrefix = "/api/v1"

// Record is anything the sync core can key by a stable identifier.
type Record interface {
	RecordID() string
}

func Kinds() []Kind {
	return []Kind{KindReports, KindAgents, KindZones, KindNotifications, KindMessages}
}

func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown entity kind: %q", raw)
	}
	return kind, nil
}

func (k Kind) Valid() bool {
	switch k {
	case KindReports, KindAgents, KindZones, KindNotifications, KindMessages:
		return true
	default:
		return false
	}
}

// Scoped reports whether the kind only exists under a parent record.
// Thread messages are scoped to a report id.
func (k Kind) Scoped() bool {
	return k == KindMessages
}

func (k Kind) String() string {
	return string(k)
}

// ChannelName returns the push channel carrying events for the kind.
func ChannelName(k Kind, scope string) string {
	if k.Scoped() {
		return "report." + strings.TrimSpace(scope)
	}
	return string(k)
}

// ParseChannel maps a channel name back to its kind and scope.
func ParseChannel(name string) (Kind, string, error) {
	name = strings.TrimSpace(name)
	if scope, ok := strings.CutPrefix(name, "report."); ok {
		if strings.TrimSpace(scope) == "" {
			return "", "", fmt.Errorf("channel %q is missing a report id", name)
		}
		return KindMessages, scope, nil
	}
	kind := Kind(name)
	if !kind.Valid() || kind.Scoped() {
		return "", "", fmt.Errorf("unknown channel: %q", name)
	}
	return kind, "", nil
}

// CollectionPath is the REST path listing or creating records of the kind.
func CollectionPath(k Kind, scope string) string {
	if k.Scoped() {
		return fmt.Sprintf("%s/reports/%s/messages", apiPrefix, url.PathEscape(strings.TrimSpace(scope)))
	}
	return apiPrefix + "/" + string(k)
}

// ItemPath is the REST path updating or deleting one record.
func ItemPath(k Kind, scope, id string) string {
	return CollectionPath(k, scope) + "/" + url.PathEscape(strings.TrimSpace(id))
}
