// Package policy holds the cached federation domain allow/blocklist. The
// whole record is swapped atomically so inbox and delivery paths read it
// without locks.
package policy

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/driftboard/driftboard/internal/db"
)

const (
	ModeBlocklist = "blocklist"
	ModeAllowlist = "allowlist"
)

type snapshot struct {
	mode     string
	domains  map[string]struct{}
	auditURL string
}

// Domains is the process-wide domain policy. Reads are lock-free; Refresh is
// the single writer.
type Domains struct {
	db      *db.Store
	current atomic.Pointer[snapshot]
}

// NewDomains creates a policy in blocklist mode with an empty set, so
// everything federates until the first Refresh.
func NewDomains(store *db.Store) *Domains {
	d := &Domains{db: store}
	d.current.Store(&snapshot{mode: ModeBlocklist, domains: map[string]struct{}{}})
	return d
}

// Blocked reports whether a domain is refused. In blocklist mode a domain is
// blocked iff listed; in allowlist mode iff the list is empty or the domain
// is absent (an empty allowlist blocks everything).
func (d *Domains) Blocked(domain string) bool {
	s := d.current.Load()
	_, listed := s.domains[strings.ToLower(domain)]
	if s.mode == ModeAllowlist {
		return len(s.domains) == 0 || !listed
	}
	return listed
}

// Mode returns the active policy mode.
func (d *Domains) Mode() string {
	return d.current.Load().mode
}

// AuditURL returns the operator-set provenance URL of the active domain
// list, or "" when none is configured.
func (d *Domains) AuditURL() string {
	return d.current.Load().auditURL
}

// Refresh reloads the policy from settings and swaps the snapshot in.
func (d *Domains) Refresh() {
	mode := ModeBlocklist
	if m, ok := d.db.GetSetting(db.SettingFederationMode); ok && m == ModeAllowlist {
		mode = ModeAllowlist
	}

	key := db.SettingDomainBlocklist
	if mode == ModeAllowlist {
		key = db.SettingDomainAllowlist
	}
	raw, _ := d.db.GetSetting(key)
	auditURL, _ := d.db.GetSetting(db.SettingBlocklistAuditURL)

	domains := parseDomainList(raw)
	d.current.Store(&snapshot{mode: mode, domains: domains, auditURL: auditURL})
	slog.Debug("domain policy refreshed",
		"mode", mode, "domains", len(domains), "audit_url", auditURL)
}

// Set replaces the policy directly, for tests and admin previews.
func (d *Domains) Set(mode string, domains []string) {
	set := make(map[string]struct{}, len(domains))
	for _, dom := range domains {
		dom = strings.ToLower(strings.TrimSpace(dom))
		if dom != "" {
			set[dom] = struct{}{}
		}
	}
	d.current.Store(&snapshot{mode: mode, domains: set})
}

// parseDomainList accepts newline or comma separated domains, ignoring blanks
// and comment lines.
func parseDomainList(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ','
	}) {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	return set
}
