// Package reporter mails every enabled tenant's admins a digest of list
// activity: all new, open and orphaned lists plus lists closed within the
// tenant's days_to_close window.
package reporter

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/amane/internal/msgtpl"
	"github.com/themadorg/amane/internal/relay"
	"github.com/themadorg/amane/internal/store"
)

// errorReturn is the local-part of the report envelope sender. It is fixed
// and independent of the tenant.
const errorReturn = "amane-error"

type Reporter struct {
	Store  store.Store
	Relay  relay.Relay
	Domain string
	Log    *zap.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (r *Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reporter) Run(ctx context.Context) error {
	tenants, err := r.Store.FindTenants(ctx,
		store.Filter{store.Eq("status", store.TenantEnabled)}, "", false)
	if err != nil {
		return err
	}
	for i := range tenants {
		if err := r.reportTenant(ctx, &tenants[i]); err != nil {
			r.Log.Error("report failed",
				zap.Error(err), zap.String("tenant", tenants[i].TenantName))
		}
	}
	return nil
}

// convert flattens a list document for the report template, truncating
// timestamps to whole seconds: reports are minute-aligned, sub-second noise
// only churns diffs between runs.
func convert(ml *store.MailingList) map[string]any {
	return map[string]any{
		"ml_name": ml.MLName,
		"subject": ml.Subject,
		"by":      ml.By,
		"created": ml.Created.Truncate(time.Second).Format("2006-01-02 15:04:05"),
		"updated": ml.Updated.Truncate(time.Second).Format("2006-01-02 15:04:05"),
	}
}

func (r *Reporter) group(ctx context.Context, tenant string, f store.Filter) ([]map[string]any, error) {
	f = append(store.Filter{store.Eq("tenant_name", tenant)}, f...)
	mls, err := r.Store.FindMLs(ctx, f, "updated", false)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(mls))
	for i := range mls {
		out = append(out, convert(&mls[i]))
	}
	return out, nil
}

func (r *Reporter) reportTenant(ctx context.Context, tenant *store.Tenant) error {
	name := tenant.TenantName

	newLists, err := r.group(ctx, name, store.Filter{store.Eq("status", store.StatusNew)})
	if err != nil {
		return err
	}
	openLists, err := r.group(ctx, name, store.Filter{store.Eq("status", store.StatusOpen)})
	if err != nil {
		return err
	}
	orphaned, err := r.group(ctx, name, store.Filter{store.Eq("status", store.StatusOrphaned)})
	if err != nil {
		return err
	}
	closedAfter := r.now().Add(-time.Duration(tenant.DaysToClose) * 24 * time.Hour)
	closed, err := r.group(ctx, name, store.Filter{
		store.Eq("status", store.StatusClosed),
		{Field: "updated", Op: store.OpGt, Value: closedAfter},
	})
	if err != nil {
		return err
	}

	content := msgtpl.Render(tenant.ReportMsg, map[string]any{
		"new":      newLists,
		"open":     openLists,
		"orphaned": orphaned,
		"closed":   closed,
	})

	admins := tenant.AdminSet().Slice()
	envFrom := errorReturn + "@" + r.Domain
	notice, err := relay.NewNotice(relay.Notice{
		From:    envFrom,
		To:      strings.Join(admins, ", "),
		Subject: tenant.ReportSubject,
		Body:    content,
		Charset: tenant.Charset,
		Domain:  r.Domain,
	})
	if err != nil {
		return err
	}

	if err := r.Relay.Send(ctx, envFrom, admins, notice); err != nil {
		return err
	}
	r.Log.Info("sent report", zap.String("tenant", name), zap.Strings("admins", admins))
	return nil
}
