// Package resolver maps asset occurrences onto canonical identities and
// keeps exactly one record per identity.
package resolver

import (
	"html"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/urlref"
)

// Config controls identity resolution.
type Config struct {
	ProxyPatterns []urlref.ProxyPattern
}

// Resolver builds identity tables.
type Resolver struct {
	unwrap *urlref.Unwrapper
	logger *zap.Logger
}

// New builds a Resolver.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		unwrap: urlref.NewUnwrapper(cfg.ProxyPatterns),
		logger: logger,
	}
}

// Table is the resolution result for one capture: the identity of every
// occurrence, one record per identity in first-seen order, and the reverse
// alias table used for textual substitution.
type Table struct {
	base        *url.URL
	unwrap      *urlref.Unwrapper
	occurrences []capture.Occurrence
	identities  []capture.Identity
	records     []*capture.Record
	byIdentity  map[capture.Identity]*capture.Record
	aliases     map[string]capture.Identity
}

// Resolve computes identities for occurrences found in a document whose
// final URL is base.
func (r *Resolver) Resolve(base *url.URL, occurrences []capture.Occurrence) *Table {
	t := &Table{
		base:        base,
		unwrap:      r.unwrap,
		occurrences: occurrences,
		identities:  make([]capture.Identity, len(occurrences)),
		byIdentity:  make(map[capture.Identity]*capture.Record),
		aliases:     make(map[string]capture.Identity),
	}
	for i, occ := range occurrences {
		identity, ok := t.identityOf(occ)
		if !ok {
			r.logger.Debug("occurrence without identity", zap.String("raw", occ.Raw))
			continue
		}
		t.identities[i] = identity
		rec, seen := t.byIdentity[identity]
		if !seen {
			rec = &capture.Record{
				Kind:     occ.Kind,
				Identity: identity,
				Status:   capture.StatusPending,
			}
			t.byIdentity[identity] = rec
			t.records = append(t.records, rec)
		}
		rec.Occurrences++
		t.addAliases(identity, occ)
	}
	r.logger.Debug("resolve complete",
		zap.Int("occurrences", len(occurrences)),
		zap.Int("identities", len(t.records)),
		zap.Int("aliases", len(t.aliases)),
	)
	return t
}

func (t *Table) identityOf(occ capture.Occurrence) (capture.Identity, bool) {
	u, err := url.Parse(occ.URL)
	if err != nil || !u.IsAbs() {
		return "", false
	}
	if !occ.Proxied {
		if inner, ok := t.unwrap.Unwrap(u); ok {
			resolved, err := urlref.Resolve(t.base, inner)
			if err != nil {
				return "", false
			}
			u = resolved
		}
	}
	return capture.Identity(urlref.Normalize(u)), true
}

func (t *Table) addAliases(identity capture.Identity, occ capture.Occurrence) {
	for _, form := range []string{occ.Raw, occ.Target, occ.URL, string(identity)} {
		if form == "" {
			continue
		}
		unescaped := html.UnescapeString(form)
		for _, variant := range []string{form, unescaped, html.EscapeString(unescaped)} {
			if _, exists := t.aliases[variant]; !exists {
				t.aliases[variant] = identity
			}
		}
	}
}

// Occurrences returns the occurrences the table was built from.
func (t *Table) Occurrences() []capture.Occurrence {
	return t.occurrences
}

// IdentityAt returns the identity of occurrence i, or "" when it had none.
func (t *Table) IdentityAt(i int) capture.Identity {
	if i < 0 || i >= len(t.identities) {
		return ""
	}
	return t.identities[i]
}

// Records returns one record per identity in first-seen order.
func (t *Table) Records() []*capture.Record {
	return t.records
}

// Record returns the record for identity.
func (t *Table) Record(identity capture.Identity) (*capture.Record, bool) {
	rec, ok := t.byIdentity[identity]
	return rec, ok
}

// Lookup maps any textual spelling of a reference back to its identity.
// Known spellings hit the alias table directly; anything else is resolved
// against the base URL and normalized the same way occurrences were.
func (t *Table) Lookup(ref string) (capture.Identity, bool) {
	if identity, ok := t.aliases[ref]; ok {
		return identity, true
	}
	if identity, ok := t.aliases[html.UnescapeString(ref)]; ok {
		return identity, true
	}
	if urlref.Skippable(ref) {
		return "", false
	}
	abs, err := urlref.Resolve(t.base, ref)
	if err != nil {
		return "", false
	}
	if inner, ok := t.unwrap.Unwrap(abs); ok {
		if abs, err = urlref.Resolve(t.base, inner); err != nil {
			return "", false
		}
	}
	identity := capture.Identity(urlref.Normalize(abs))
	if _, ok := t.byIdentity[identity]; !ok {
		return "", false
	}
	return identity, true
}

// LocalPath returns the local path for ref when its identity was
// downloaded.
func (t *Table) LocalPath(ref string) (string, bool) {
	identity, ok := t.Lookup(ref)
	if !ok {
		return "", false
	}
	rec := t.byIdentity[identity]
	if !rec.Downloaded() {
		return "", false
	}
	return rec.LocalPath, true
}

// IsLocalPath reports whether p is the local path of some downloaded
// record.
func (t *Table) IsLocalPath(p string) bool {
	for _, rec := range t.records {
		if rec.Downloaded() && rec.LocalPath == p {
			return true
		}
	}
	return false
}

// Absolute resolves ref against the document base URL.
func (t *Table) Absolute(ref string) (string, bool) {
	if urlref.Skippable(ref) {
		return "", false
	}
	abs, err := urlref.Resolve(t.base, ref)
	if err != nil {
		return "", false
	}
	return abs.String(), true
}
