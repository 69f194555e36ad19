package matching

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

// Resolution methods, strongest first.
const (
	MethodPhoneExact   = "phone_exact"
	MethodAccountExact = "account_exact"
	MethodNameExact    = "name_exact"
	MethodAliasExact   = "alias_exact"
	MethodAliasFuzzy   = "alias_fuzzy"
	MethodNameFuzzy    = "name_fuzzy"
	MethodNone         = "none"
)

// fuzzyThreshold is the minimum ratio for a fuzzy name/alias resolution.
const fuzzyThreshold = 0.85

// Resolution is the outcome of resolving a counterparty.
type Resolution struct {
	CustomerID string
	Confidence float64
	Method     string
}

// DataQualitySink receives advisory warnings (alias and phone/account
// collisions). Warnings are logged, never fatal.
type DataQualitySink interface {
	Warn(code string, fields map[string]string)
}

type customerEntry struct {
	customer models.Customer
	// normalized forms, computed once at registration
	canonical string
	aliases   []string
}

// Snapshot is an immutable, versioned view of the resolver tables. A
// workflow run captures the snapshot version at start and matches against
// that version throughout, so replay stays deterministic while the live
// tables keep moving.
type Snapshot struct {
	Version   int
	entries   []customerEntry // sorted by customer id
	phoneTo   map[string]string
	accountTo map[string]string
	norm      *Normalizer
}

// AliasResolver maps payment counterparties to canonical customer ids.
// Registration mutates the live tables and bumps the version; resolution
// happens against snapshots.
type AliasResolver struct {
	mu        sync.RWMutex
	norm      *Normalizer
	phoneRule CountryPhoneRule
	logger    *zap.Logger
	dq        DataQualitySink

	customers map[string]customerEntry
	version   int
	snapshots map[int]*Snapshot
	current   *Snapshot
}

// NewAliasResolver creates a resolver with the standard name normalizer.
func NewAliasResolver(phoneRule CountryPhoneRule, stopwords []string, logger *zap.Logger, dq DataQualitySink) *AliasResolver {
	r := &AliasResolver{
		norm:      NewNameNormalizer(stopwords),
		phoneRule: phoneRule,
		logger:    logger,
		dq:        dq,
		customers: make(map[string]customerEntry),
		snapshots: make(map[int]*Snapshot),
	}
	r.rebuildLocked()
	return r
}

// Register adds or replaces a customer. Explicit aliases are merged with
// generated suffix/recombination variants; phones are normalized to E.164.
// Invalid phones and map collisions are surfaced as data-quality warnings
// and never abort registration.
func (r *AliasResolver) Register(c models.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := customerEntry{customer: c, canonical: r.norm.Normalize(c.CanonicalName)}

	seen := make(map[string]struct{})
	for _, a := range append(append([]string{}, c.Aliases...), GenerateAliases(c.CanonicalName)...) {
		n := r.norm.Normalize(a)
		if n == "" || n == entry.canonical {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		entry.aliases = append(entry.aliases, n)
	}
	sort.Strings(entry.aliases)

	var phones []string
	for _, p := range c.PhoneNumbers {
		e164, err := NormalizePhone(p, r.phoneRule)
		if err != nil {
			r.warn("invalid_phone", map[string]string{"customer_id": c.ID, "phone": p})
			continue
		}
		phones = append(phones, e164)
	}
	entry.customer.PhoneNumbers = phones

	r.customers[c.ID] = entry
	r.rebuildLocked()
}

// CurrentVersion returns the live snapshot version.
func (r *AliasResolver) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Version
}

// Snapshot returns the live snapshot.
func (r *AliasResolver) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SnapshotAt returns the snapshot for a recorded version, falling back to
// the live one when the version has been dropped.
func (r *AliasResolver) SnapshotAt(version int) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.snapshots[version]; ok {
		return s
	}
	return r.current
}

func (r *AliasResolver) rebuildLocked() {
	r.version++
	snap := &Snapshot{
		Version:   r.version,
		phoneTo:   make(map[string]string),
		accountTo: make(map[string]string),
		norm:      r.norm,
	}

	ids := make([]string, 0, len(r.customers))
	for id := range r.customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nameTo := make(map[string]string)
	for _, id := range ids {
		entry := r.customers[id]
		snap.entries = append(snap.entries, entry)

		for _, name := range append([]string{entry.canonical}, entry.aliases...) {
			if name == "" {
				continue
			}
			if prior, taken := nameTo[name]; taken {
				// Exact resolution keeps the first customer by ascending id.
				r.warn("alias_collision", map[string]string{"alias": name, "kept": prior, "shadowed": id})
				continue
			}
			nameTo[name] = id
		}

		for _, phone := range entry.customer.PhoneNumbers {
			if prior, taken := snap.phoneTo[phone]; taken {
				// First by ascending customer id wins; ids are iterated sorted.
				r.warn("phone_collision", map[string]string{"phone": phone, "kept": prior, "dropped": id})
				continue
			}
			snap.phoneTo[phone] = id
		}
		for _, acct := range entry.customer.AccountNumbers {
			if prior, taken := snap.accountTo[acct]; taken {
				r.warn("account_collision", map[string]string{"account": acct, "kept": prior, "dropped": id})
				continue
			}
			snap.accountTo[acct] = id
		}
	}

	r.snapshots[snap.Version] = snap
	r.current = snap
}

func (r *AliasResolver) warn(code string, fields map[string]string) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("code", code))
	for k, v := range fields {
		zf = append(zf, zap.String(k, v))
	}
	r.logger.Warn("data quality warning", zf...)
	if r.dq != nil {
		r.dq.Warn(code, fields)
	}
}

// Resolve maps a counterparty to a customer id. Resolution order is
// phone exact, account exact, canonical-name exact, alias exact, then
// fuzzy alias and fuzzy canonical at ratio >= 0.85. Below the threshold
// there is no match.
func (s *Snapshot) Resolve(cp models.Counterparty, phoneRule CountryPhoneRule) Resolution {
	if cp.Phone != "" {
		if e164, err := NormalizePhone(cp.Phone, phoneRule); err == nil {
			if id, ok := s.phoneTo[e164]; ok {
				return Resolution{CustomerID: id, Confidence: 0.98, Method: MethodPhoneExact}
			}
		}
	}

	if cp.Account != "" {
		if id, ok := s.accountTo[cp.Account]; ok {
			return Resolution{CustomerID: id, Confidence: 0.95, Method: MethodAccountExact}
		}
	}

	name := s.norm.Normalize(cp.Name)
	if name == "" {
		return Resolution{Method: MethodNone}
	}

	for _, e := range s.entries {
		if name == e.canonical {
			return Resolution{CustomerID: e.customer.ID, Confidence: 0.92, Method: MethodNameExact}
		}
	}
	for _, e := range s.entries {
		for _, alias := range e.aliases {
			if name == alias {
				return Resolution{CustomerID: e.customer.ID, Confidence: 0.90, Method: MethodAliasExact}
			}
		}
	}

	best := Resolution{Method: MethodNone}
	for _, e := range s.entries {
		for _, alias := range e.aliases {
			if r := bestRatio(name, alias); r >= fuzzyThreshold && r > best.Confidence {
				best = Resolution{CustomerID: e.customer.ID, Confidence: r, Method: MethodAliasFuzzy}
			}
		}
	}
	for _, e := range s.entries {
		if r := bestRatio(name, e.canonical); r >= fuzzyThreshold && r > best.Confidence {
			best = Resolution{CustomerID: e.customer.ID, Confidence: r, Method: MethodNameFuzzy}
		}
	}
	return best
}

// ResolveAgainst restricts resolution to one expected customer id; used by
// the rule evaluator, which only cares whether the counterparty is the
// invoice's customer.
func (s *Snapshot) ResolveAgainst(cp models.Counterparty, customerID string, phoneRule CountryPhoneRule) (Resolution, bool) {
	res := s.Resolve(cp, phoneRule)
	if res.CustomerID == "" || res.CustomerID != customerID {
		return Resolution{Method: MethodNone}, false
	}
	return res, true
}

func bestRatio(a, b string) float64 {
	r := Ratio(a, b)
	if ts := TokenSetRatio(a, b); ts > r {
		r = ts
	}
	return r
}
