// Package storetest provides an in-memory Store for tests. It mirrors the
// façade semantics (per-document atomicity, non-fatal collisions, append-only
// logs) without a database, guarding everything with one mutex.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/themadorg/amane/internal/address"
	"github.com/themadorg/amane/internal/store"
)

type Fake struct {
	mu      sync.Mutex
	tenants map[string]*store.Tenant
	mls     map[string]*store.MailingList

	// Now is the clock used for created/updated stamps. Tests may replace it.
	Now func() time.Time
}

var _ store.Store = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		tenants: make(map[string]*store.Tenant),
		mls:     make(map[string]*store.MailingList),
		Now:     time.Now,
	}
}

// PutTenant seeds a tenant document directly, bypassing the façade checks.
func (f *Fake) PutTenant(t store.Tenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[t.TenantName] = &t
}

// PutML seeds a list document directly, bypassing the façade checks.
func (f *Fake) PutML(ml store.MailingList) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mls[ml.MLName] = &ml
}

// ML returns a copy of the named list document, or nil.
func (f *Fake) ML(name string) *store.MailingList {
	f.mu.Lock()
	defer f.mu.Unlock()
	ml, ok := f.mls[name]
	if !ok {
		return nil
	}
	cp := *ml
	return &cp
}

// Tenant returns a copy of the named tenant document, or nil.
func (f *Fake) Tenant(name string) *store.Tenant {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[name]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (f *Fake) CreateTenant(_ context.Context, name, by string, cfg store.TenantConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.NewMLAccount == cfg.NewMLAccount {
			return store.ErrExists
		}
	}
	if _, ok := f.tenants[name]; ok {
		return store.ErrExists
	}
	now := f.Now()
	status := cfg.Status
	if status == "" {
		status = store.TenantEnabled
	}
	f.tenants[name] = &store.Tenant{
		TenantName:   name,
		Status:       status,
		Admins:       cfg.Admins.Slice(),
		Charset:      cfg.Charset,
		MLNameFormat: cfg.MLNameFormat,
		NewMLAccount: cfg.NewMLAccount,
		DaysToOrphan: cfg.DaysToOrphan,
		DaysToClose:  cfg.DaysToClose,

		WelcomeMsg: cfg.WelcomeMsg,
		ReadmeMsg:  cfg.ReadmeMsg,
		AddMsg:     cfg.AddMsg,
		RemoveMsg:  cfg.RemoveMsg,
		ReopenMsg:  cfg.ReopenMsg,
		GoodbyeMsg: cfg.GoodbyeMsg,

		ReportSubject:   cfg.ReportSubject,
		ReportMsg:       cfg.ReportMsg,
		OrphanedSubject: cfg.OrphanedSubject,
		OrphanedMsg:     cfg.OrphanedMsg,
		ClosedSubject:   cfg.ClosedSubject,
		ClosedMsg:       cfg.ClosedMsg,

		By:      by,
		Created: now,
		Updated: now,
		Logs:    []store.LogEntry{{Op: store.OpCreate, By: by, TS: now}},
	}
	return nil
}

func (f *Fake) UpdateTenant(_ context.Context, name, by string, patch store.TenantPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[name]
	if !ok {
		return store.ErrNotFound
	}
	if patch.NewMLAccount != nil {
		for other, o := range f.tenants {
			if other != name && o.NewMLAccount == *patch.NewMLAccount {
				return store.ErrExists
			}
		}
	}
	if by != store.ActorCLI && !address.NewSet(t.Admins...).Has(by) {
		return store.ErrNotAdmin
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Admins != nil {
		t.Admins = patch.Admins.Slice()
	}
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	applyInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	apply(&t.Charset, patch.Charset)
	apply(&t.MLNameFormat, patch.MLNameFormat)
	apply(&t.NewMLAccount, patch.NewMLAccount)
	applyInt(&t.DaysToOrphan, patch.DaysToOrphan)
	applyInt(&t.DaysToClose, patch.DaysToClose)
	apply(&t.WelcomeMsg, patch.WelcomeMsg)
	apply(&t.ReadmeMsg, patch.ReadmeMsg)
	apply(&t.AddMsg, patch.AddMsg)
	apply(&t.RemoveMsg, patch.RemoveMsg)
	apply(&t.ReopenMsg, patch.ReopenMsg)
	apply(&t.GoodbyeMsg, patch.GoodbyeMsg)
	apply(&t.ReportSubject, patch.ReportSubject)
	apply(&t.ReportMsg, patch.ReportMsg)
	apply(&t.OrphanedSubject, patch.OrphanedSubject)
	apply(&t.OrphanedMsg, patch.OrphanedMsg)
	apply(&t.ClosedSubject, patch.ClosedSubject)
	apply(&t.ClosedMsg, patch.ClosedMsg)

	now := f.Now()
	t.Updated = now
	t.By = by
	t.Logs = append(t.Logs, store.LogEntry{Op: store.OpUpdate, By: by, TS: now})
	return nil
}

func (f *Fake) DeleteTenant(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for mlName, ml := range f.mls {
		if ml.TenantName == name {
			delete(f.mls, mlName)
		}
	}
	delete(f.tenants, name)
	return nil
}

func (f *Fake) GetTenant(_ context.Context, name string) (*store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[name]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func matches(c store.Cond, v any) bool {
	op := c.Op
	if op == "" {
		op = store.OpEq
	}
	switch want := c.Value.(type) {
	case time.Time:
		have, ok := v.(time.Time)
		if !ok {
			return false
		}
		switch op {
		case store.OpEq:
			return have.Equal(want)
		case store.OpNe:
			return !have.Equal(want)
		case store.OpGt:
			return have.After(want)
		case store.OpGte:
			return !have.Before(want)
		case store.OpLt:
			return have.Before(want)
		case store.OpLte:
			return !have.After(want)
		}
	default:
		hs, ws := fmt.Sprint(v), fmt.Sprint(c.Value)
		switch op {
		case store.OpEq:
			return hs == ws
		case store.OpNe:
			return hs != ws
		case store.OpGt:
			return hs > ws
		case store.OpGte:
			return hs >= ws
		case store.OpLt:
			return hs < ws
		case store.OpLte:
			return hs <= ws
		}
	}
	return false
}

func tenantField(t *store.Tenant, field string) any {
	switch field {
	case "tenant_name":
		return t.TenantName
	case "new_ml_account":
		return t.NewMLAccount
	case "status":
		return string(t.Status)
	case "created":
		return t.Created
	case "updated":
		return t.Updated
	case "counter":
		return t.Counter
	case "by":
		return t.By
	}
	return nil
}

func mlField(ml *store.MailingList, field string) any {
	switch field {
	case "ml_name":
		return ml.MLName
	case "tenant_name":
		return ml.TenantName
	case "status":
		return string(ml.Status)
	case "created":
		return ml.Created
	case "updated":
		return ml.Updated
	case "by":
		return ml.By
	}
	return nil
}

func (f *Fake) FindTenants(_ context.Context, filter store.Filter, sortKey string, desc bool) ([]store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Tenant
next:
	for _, t := range f.tenants {
		for _, c := range filter {
			if !matches(c, tenantField(t, c.Field)) {
				continue next
			}
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		var less bool
		if sortKey != "" {
			less = fmt.Sprint(tenantField(&out[i], sortKey)) < fmt.Sprint(tenantField(&out[j], sortKey))
		} else {
			less = out[i].TenantName < out[j].TenantName
		}
		if desc {
			return !less
		}
		return less
	})
	return out, nil
}

func (f *Fake) IncrementCounter(_ context.Context, tenant string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[tenant]
	if !ok {
		return 0, store.ErrNotFound
	}
	t.Counter++
	return t.Counter, nil
}

func (f *Fake) CreateML(_ context.Context, tenant, mlName, subject string, members address.Set, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mls[mlName]; ok {
		return store.ErrExists
	}
	now := f.Now()
	f.mls[mlName] = &store.MailingList{
		MLName:     mlName,
		TenantName: tenant,
		Subject:    subject,
		Members:    members.Slice(),
		Status:     store.StatusNew,
		By:         by,
		Created:    now,
		Updated:    now,
		Logs:       []store.LogEntry{{Op: store.OpCreate, By: by, TS: now, Members: members.Slice()}},
	}
	return nil
}

func (f *Fake) GetML(_ context.Context, mlName string) (*store.MailingList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ml, ok := f.mls[mlName]
	if !ok {
		return nil, nil
	}
	cp := *ml
	return &cp, nil
}

func (f *Fake) FindMLs(_ context.Context, filter store.Filter, sortKey string, desc bool) ([]store.MailingList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.MailingList
next:
	for _, ml := range f.mls {
		for _, c := range filter {
			if !matches(c, mlField(ml, c.Field)) {
				continue next
			}
		}
		out = append(out, *ml)
	}
	sort.Slice(out, func(i, j int) bool {
		var less bool
		if sortKey == "updated" || sortKey == "created" {
			ti, _ := mlField(&out[i], sortKey).(time.Time)
			tj, _ := mlField(&out[j], sortKey).(time.Time)
			less = ti.Before(tj)
		} else if sortKey != "" {
			less = fmt.Sprint(mlField(&out[i], sortKey)) < fmt.Sprint(mlField(&out[j], sortKey))
		} else {
			less = out[i].MLName < out[j].MLName
		}
		if desc {
			return !less
		}
		return less
	})
	return out, nil
}

func (f *Fake) ChangeMLStatus(_ context.Context, mlName string, status store.MLStatus, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ml, ok := f.mls[mlName]
	if !ok {
		return store.ErrNotFound
	}
	op := map[store.MLStatus]string{
		store.StatusOpen:     store.OpReopen,
		store.StatusOrphaned: store.OpOrphan,
		store.StatusClosed:   store.OpClose,
	}[status]
	now := f.Now()
	ml.Status = status
	ml.Updated = now
	ml.By = by
	ml.Logs = append(ml.Logs, store.LogEntry{Op: op, By: by, TS: now})
	return nil
}

func (f *Fake) AddMembers(_ context.Context, mlName string, members address.Set, by string) error {
	return f.editMembers(mlName, members, by, true)
}

func (f *Fake) DelMembers(_ context.Context, mlName string, members address.Set, by string) error {
	return f.editMembers(mlName, members, by, false)
}

func (f *Fake) editMembers(mlName string, members address.Set, by string, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ml, ok := f.mls[mlName]
	if !ok {
		return store.ErrNotFound
	}
	cur := address.NewSet(ml.Members...)
	op := store.OpDelMembers
	if add {
		cur = cur.Union(members)
		op = store.OpAddMembers
	} else {
		cur = cur.Diff(members)
	}
	now := f.Now()
	ml.Members = cur.Slice()
	ml.Updated = now
	ml.By = by
	ml.Logs = append(ml.Logs, store.LogEntry{Op: op, By: by, TS: now, Members: members.Slice()})
	return nil
}

func (f *Fake) GetMembers(_ context.Context, mlName string) (address.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ml, ok := f.mls[mlName]
	if !ok {
		return nil, nil
	}
	return address.NewSet(ml.Members...), nil
}

func (f *Fake) MarkMLsOrphaned(_ context.Context, cutoff time.Time, by string) error {
	return f.bulkAdvance(store.StatusOpen, store.StatusOrphaned, store.OpOrphan, cutoff, by)
}

func (f *Fake) MarkMLsClosed(_ context.Context, cutoff time.Time, by string) error {
	return f.bulkAdvance(store.StatusOrphaned, store.StatusClosed, store.OpClose, cutoff, by)
}

func (f *Fake) bulkAdvance(from, to store.MLStatus, op string, cutoff time.Time, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.Now()
	for _, ml := range f.mls {
		if ml.Status != from || !ml.Updated.Before(cutoff) {
			continue
		}
		ml.Status = to
		ml.Updated = now
		ml.By = by
		ml.Logs = append(ml.Logs, store.LogEntry{Op: op, By: by, TS: now})
	}
	return nil
}

func (f *Fake) LogPost(_ context.Context, mlName string, members address.Set, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ml, ok := f.mls[mlName]
	if !ok {
		return store.ErrNotFound
	}
	now := f.Now()
	ml.Updated = now
	ml.By = by
	ml.Logs = append(ml.Logs, store.LogEntry{Op: store.OpPost, By: by, TS: now, Members: members.Slice()})
	return nil
}

func (f *Fake) GetLogs(_ context.Context, mlName string) ([]store.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ml, ok := f.mls[mlName]
	if !ok {
		return nil, nil
	}
	return append([]store.LogEntry(nil), ml.Logs...), nil
}
