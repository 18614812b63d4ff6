// Package jid derives the upstream room identifiers for an entity.
//
// Communities map to a single "general" room; chat and ihl entities are
// channels under their parent community.
package jid

import (
	"fmt"
	"strings"

	"github.com/chatwarden/chatwarden/internal/wire"
)

// base returns the guid the upstream groups rooms under: the parent for
// channel entities, the entity itself for communities.
func base(e wire.EntityConfig) string {
	if e.Type == wire.EntityChat || e.Type == wire.EntityIHL {
		return e.ParentGUID
	}
	return e.GUID
}

// Room returns the MUC-Light JID for an entity.
func Room(e wire.EntityConfig, mucDomain string) string {
	if e.Type == wire.EntityCommunity {
		return fmt.Sprintf("club-%s-general@%s", e.GUID, mucDomain)
	}
	return fmt.Sprintf("club-%s-channel-%s@%s", e.ParentGUID, e.GUID, mucDomain)
}

// SupergroupBase returns the supergroup JID for an entity's community.
func SupergroupBase(e wire.EntityConfig, supergroupDomain string) string {
	return fmt.Sprintf("club-%s@%s", base(e), supergroupDomain)
}

// PresenceGroup returns the expected presence-group identifier for an
// entity. The authoritative value comes back in the MUC-Light
// configuration reply; this derivation is used to address unsubscribes
// when no reply was ever received.
func PresenceGroup(e wire.EntityConfig, supergroupDomain string) string {
	b := SupergroupBase(e, supergroupDomain)
	if e.Type == wire.EntityCommunity {
		return b + "/general"
	}
	return b + "/channel-" + e.GUID
}

// Bare strips the resource from a JID.
func Bare(j string) string {
	if i := strings.IndexByte(j, '/'); i >= 0 {
		return j[:i]
	}
	return j
}

// Resource returns the resource part of a JID, or "" if there is none.
// In the upstream's rooms the occupant resource is the account guid.
func Resource(j string) string {
	if i := strings.IndexByte(j, '/'); i >= 0 {
		return j[i+1:]
	}
	return ""
}
