// Package entity keeps the snapshot of known business entities and finds
// their mentions in free text.
package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/retry"
)

// MinNameLength is the shortest entity name kept. Shorter names match too
// much unrelated text.
const MinNameLength = 4

// Snapshot is an immutable, versioned view of the known entities. Readers
// hold on to one snapshot for the duration of an operation.
type Snapshot struct {
	Version       uint64
	RefreshedAt   time.Time
	Companies     []string
	Contacts      []string
	Opportunities []string
}

// NewSnapshot lower-cases, deduplicates and sorts the names, dropping any
// name of MinNameLength-1 characters or fewer.
func NewSnapshot(companies, contacts, opportunities []string) *Snapshot {
	return &Snapshot{
		Companies:     normalizeNames(companies),
		Contacts:      normalizeNames(contacts),
		Opportunities: normalizeNames(opportunities),
	}
}

// Sets returns the three entity lists.
func (s *Snapshot) Sets() (companies, contacts, opportunities []string) {
	if s == nil {
		return nil, nil, nil
	}
	return s.Companies, s.Contacts, s.Opportunities
}

// Empty reports whether the snapshot knows no entities.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Companies)+len(s.Contacts)+len(s.Opportunities) == 0
}

// HasCompany reports whether name is a known company.
func (s *Snapshot) HasCompany(name string) bool {
	if s == nil {
		return false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	i := sort.SearchStrings(s.Companies, name)
	return i < len(s.Companies) && s.Companies[i] == name
}

func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.Join(strings.Fields(n), " "))
		if len([]rune(n)) < MinNameLength {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Cache owns the current snapshot. Refresh swaps in a complete new snapshot
// so concurrent readers never observe a partial one.
type Cache struct {
	crm     types.CRM
	caller  retry.Caller
	limit   int
	logger  *zap.Logger
	now     func() time.Time
	version atomic.Uint64
	current atomic.Pointer[Snapshot]
}

// NewCache creates an empty cache backed by crm. limit bounds the number of
// records pulled per object type.
func NewCache(crm types.CRM, limit int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 2000
	}
	c := &Cache{crm: crm, limit: limit, logger: logger, now: time.Now}
	c.current.Store(&Snapshot{})
	return c
}

// SetCaller sets the throttle and retry policy applied to CRM queries. It
// must be called before the first Refresh.
func (c *Cache) SetCaller(caller retry.Caller) {
	c.caller = caller
}

// Snapshot returns the current snapshot. It is never nil.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Replace installs a snapshot built from the given names.
func (c *Cache) Replace(companies, contacts, opportunities []string) *Snapshot {
	snap := NewSnapshot(companies, contacts, opportunities)
	c.install(snap)
	return snap
}

func (c *Cache) install(snap *Snapshot) {
	snap.Version = c.version.Add(1)
	snap.RefreshedAt = c.now()
	c.current.Store(snap)
}

// Refresh rebuilds the snapshot from the CRM. Any query failure installs an
// empty snapshot and returns the error.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.crm == nil {
		c.install(&Snapshot{})
		return fmt.Errorf("refresh entity cache: no CRM configured")
	}

	companies, err := c.names(ctx, "Account", "Name")
	if err != nil {
		return c.fail(err)
	}
	contacts, err := c.names(ctx, "Contact", "Name")
	if err != nil {
		return c.fail(err)
	}
	opportunities, err := c.names(ctx, "Opportunity", "Name")
	if err != nil {
		return c.fail(err)
	}

	snap := c.Replace(companies, contacts, opportunities)
	c.logger.Info("entity cache refreshed",
		zap.Uint64("version", snap.Version),
		zap.Int("companies", len(snap.Companies)),
		zap.Int("contacts", len(snap.Contacts)),
		zap.Int("opportunities", len(snap.Opportunities)))
	return nil
}

func (c *Cache) fail(err error) error {
	c.install(&Snapshot{})
	c.logger.Error("entity cache refresh failed, cache reset to empty", zap.Error(err))
	return fmt.Errorf("refresh entity cache: %w", err)
}

func (c *Cache) names(ctx context.Context, object, field string) ([]string, error) {
	var records []types.Record
	err := c.caller.Call(ctx, func(ctx context.Context) error {
		var err error
		records, err = c.crm.QueryRecords(ctx, types.Query{
			Object:  object,
			Fields:  []string{field},
			OrderBy: "LastModifiedDate DESC",
			Limit:   c.limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", object, err)
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		if n := r.String(field); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}
