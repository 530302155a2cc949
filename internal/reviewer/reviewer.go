// Package reviewer advances idle lists through the lifecycle:
// open → orphaned after days_to_orphan, orphaned → closed after
// days_to_close. It is a single-shot process driven by an external
// scheduler and is idempotent; overlapping runs are harmless.
package reviewer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/amane/internal/msgtpl"
	"github.com/themadorg/amane/internal/relay"
	"github.com/themadorg/amane/internal/store"
)

// Actor is the principal recorded for reviewer mutations.
const Actor = "reviewer"

type Reviewer struct {
	Store  store.Store
	Relay  relay.Relay
	Domain string
	Log    *zap.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (r *Reviewer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run performs one full pass over every enabled tenant: first
// orphaned → closed, then open → orphaned.
func (r *Reviewer) Run(ctx context.Context) error {
	tenants, err := r.Store.FindTenants(ctx,
		store.Filter{store.Eq("status", store.TenantEnabled)}, "", false)
	if err != nil {
		return err
	}
	r.notify(ctx, tenants, store.StatusOrphaned, store.StatusClosed)
	r.notify(ctx, tenants, store.StatusOpen, store.StatusOrphaned)
	return nil
}

func (r *Reviewer) notify(ctx context.Context, tenants []store.Tenant, oldStatus, newStatus store.MLStatus) {
	for i := range tenants {
		tenant := &tenants[i]

		var days int
		var subject, template string
		if newStatus == store.StatusClosed {
			days = tenant.DaysToClose
			subject = tenant.ClosedSubject
			template = tenant.ClosedMsg
		} else {
			days = tenant.DaysToOrphan
			subject = tenant.OrphanedSubject
			template = tenant.OrphanedMsg
		}

		// One hour of grace on top of the configured threshold.
		cutoff := r.now().Add(-time.Duration(days)*24*time.Hour + time.Hour)
		mls, err := r.Store.FindMLs(ctx, store.Filter{
			store.Eq("tenant_name", tenant.TenantName),
			store.Eq("status", oldStatus),
			{Field: "updated", Op: store.OpLte, Value: cutoff},
		}, "updated", false)
		if err != nil {
			r.Log.Error("listing lists failed",
				zap.Error(err), zap.String("tenant", tenant.TenantName))
			continue
		}

		for j := range mls {
			ml := &mls[j]
			if err := r.notifyOne(ctx, tenant, ml, subject, template, newStatus); err != nil {
				r.Log.Error("notification failed",
					zap.Error(err), zap.String("ml_name", ml.MLName))
			}
		}
	}
}

func (r *Reviewer) notifyOne(ctx context.Context, tenant *store.Tenant, ml *store.MailingList,
	subject, template string, newStatus store.MLStatus) error {

	members, err := r.Store.GetMembers(ctx, ml.MLName)
	if err != nil || members == nil {
		return err
	}
	rcpts := members.Union(tenant.AdminSet())

	listAddr := ml.MLName + "@" + r.Domain
	content := msgtpl.Render(template, map[string]any{
		"ml_name":        ml.MLName,
		"ml_address":     listAddr,
		"new_ml_address": tenant.NewMLAccount + "@" + r.Domain,
		"subject":        string(ml.Status),
	})

	envFrom := relay.BounceAddress(ml.MLName, r.Domain)
	notice, err := relay.NewNotice(relay.Notice{
		From:    envFrom,
		To:      listAddr,
		Subject: subject,
		Body:    content,
		Charset: tenant.Charset,
		Domain:  r.Domain,
	})
	if err != nil {
		return err
	}

	if err := r.Relay.Send(ctx, envFrom, rcpts.Slice(), notice); err != nil {
		// The status still advances; notices are at-most-once.
		r.Log.Error("relay failed", zap.Error(err), zap.String("ml_name", ml.MLName))
	} else {
		r.Log.Info("sent notice",
			zap.String("ml_name", ml.MLName),
			zap.String("status", string(newStatus)),
			zap.Strings("members", rcpts.Slice()))
	}
	if err := r.Store.LogPost(ctx, ml.MLName, members, Actor); err != nil {
		return err
	}
	return r.Store.ChangeMLStatus(ctx, ml.MLName, newStatus, Actor)
}
