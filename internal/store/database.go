package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/themadorg/amane/internal/address"
)

// Database is the Store implementation backed by a GORM connection.
type Database struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

var _ Store = (*Database)(nil)

// New wraps an open GORM connection and migrates the two collections.
func New(db *gorm.DB, logger *zap.Logger) (*Database, error) {
	if err := db.AutoMigrate(&Tenant{}, &MailingList{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Database{db: db, log: logger, now: time.Now}, nil
}

// columns maps filterable field names to their SQL columns. Anything not
// listed here is rejected to keep filters from reaching raw SQL.
var columns = map[string]string{
	"tenant_name":    "tenant_name",
	"new_ml_account": "new_ml_account",
	"ml_name":        "ml_name",
	"status":         "status",
	"created":        "created",
	"updated":        "updated",
	"counter":        "counter",
}

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
	OpNe:  "<>",
}

func applyFilter(q *gorm.DB, f Filter, sortKey string, desc bool) (*gorm.DB, error) {
	for _, c := range f {
		col, ok := columns[c.Field]
		if !ok {
			return nil, fmt.Errorf("store: unknown filter field %q", c.Field)
		}
		op := c.Op
		if op == "" {
			op = OpEq
		}
		sqlOp, ok := sqlOps[op]
		if !ok {
			return nil, fmt.Errorf("store: unknown filter op %q", op)
		}
		q = q.Where(fmt.Sprintf("%s %s ?", col, sqlOp), c.Value)
	}
	if sortKey != "" {
		col, ok := columns[sortKey]
		if !ok {
			return nil, fmt.Errorf("store: unknown sort field %q", sortKey)
		}
		if desc {
			col += " DESC"
		}
		q = q.Order(col)
	}
	return q, nil
}

func (d *Database) CreateTenant(ctx context.Context, name, by string, cfg TenantConfig) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Tenant{}).Where("new_ml_account = ?", cfg.NewMLAccount).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			d.log.Error("new ML account is duplicated", zap.String("new_ml_account", cfg.NewMLAccount))
			return ErrExists
		}
		if err := tx.Model(&Tenant{}).Where("tenant_name = ?", name).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			d.log.Error("tenant already exists", zap.String("tenant_name", name))
			return ErrExists
		}

		now := d.now()
		status := cfg.Status
		if status == "" {
			status = TenantEnabled
		}
		t := Tenant{
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

			Counter: 0,
			By:      by,
			Created: now,
			Updated: now,
			Logs: []LogEntry{{
				Op: OpCreate,
				By: by,
				TS: now,
				Config: map[string]any{
					"admins":         cfg.Admins.Slice(),
					"new_ml_account": cfg.NewMLAccount,
					"ml_name_format": cfg.MLNameFormat,
				},
			}},
		}
		return tx.Create(&t).Error
	})
}

func (d *Database) UpdateTenant(ctx context.Context, name, by string, patch TenantPatch) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Tenant
		if err := tx.Where("tenant_name = ?", name).First(&t).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				d.log.Error("tenant not found", zap.String("tenant_name", name))
				return ErrNotFound
			}
			return err
		}

		if patch.NewMLAccount != nil {
			var n int64
			err := tx.Model(&Tenant{}).
				Where("new_ml_account = ? AND tenant_name <> ?", *patch.NewMLAccount, name).
				Count(&n).Error
			if err != nil {
				return err
			}
			if n > 0 {
				d.log.Error("new ML account is duplicated", zap.String("new_ml_account", *patch.NewMLAccount))
				return ErrExists
			}
		}

		if by != ActorCLI && !address.NewSet(t.Admins...).Has(by) {
			d.log.Error("not a tenant admin", zap.String("by", by), zap.String("tenant_name", name))
			return ErrNotAdmin
		}

		changed := map[string]any{}
		setS := func(key string, dst *string, v *string) {
			if v != nil {
				*dst = *v
				changed[key] = *v
			}
		}
		setI := func(key string, dst *int, v *int) {
			if v != nil {
				*dst = *v
				changed[key] = *v
			}
		}
		if patch.Status != nil {
			t.Status = *patch.Status
			changed["status"] = string(*patch.Status)
		}
		if patch.Admins != nil {
			t.Admins = patch.Admins.Slice()
			changed["admins"] = t.Admins
		}
		setS("charset", &t.Charset, patch.Charset)
		setS("ml_name_format", &t.MLNameFormat, patch.MLNameFormat)
		setS("new_ml_account", &t.NewMLAccount, patch.NewMLAccount)
		setI("days_to_orphan", &t.DaysToOrphan, patch.DaysToOrphan)
		setI("days_to_close", &t.DaysToClose, patch.DaysToClose)
		setS("welcome_msg", &t.WelcomeMsg, patch.WelcomeMsg)
		setS("readme_msg", &t.ReadmeMsg, patch.ReadmeMsg)
		setS("add_msg", &t.AddMsg, patch.AddMsg)
		setS("remove_msg", &t.RemoveMsg, patch.RemoveMsg)
		setS("reopen_msg", &t.ReopenMsg, patch.ReopenMsg)
		setS("goodbye_msg", &t.GoodbyeMsg, patch.GoodbyeMsg)
		setS("report_subject", &t.ReportSubject, patch.ReportSubject)
		setS("report_msg", &t.ReportMsg, patch.ReportMsg)
		setS("orphaned_subject", &t.OrphanedSubject, patch.OrphanedSubject)
		setS("orphaned_msg", &t.OrphanedMsg, patch.OrphanedMsg)
		setS("closed_subject", &t.ClosedSubject, patch.ClosedSubject)
		setS("closed_msg", &t.ClosedMsg, patch.ClosedMsg)

		now := d.now()
		t.Updated = now
		t.By = by
		t.Logs = append(t.Logs, LogEntry{Op: OpUpdate, By: by, TS: now, Config: changed})
		return tx.Save(&t).Error
	})
}

func (d *Database) DeleteTenant(ctx context.Context, name string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_name = ?", name).Delete(&MailingList{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_name = ?", name).Delete(&Tenant{}).Error
	})
}

func (d *Database) GetTenant(ctx context.Context, name string) (*Tenant, error) {
	var t Tenant
	err := d.db.WithContext(ctx).Where("tenant_name = ?", name).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *Database) FindTenants(ctx context.Context, f Filter, sortKey string, desc bool) ([]Tenant, error) {
	q, err := applyFilter(d.db.WithContext(ctx).Model(&Tenant{}), f, sortKey, desc)
	if err != nil {
		return nil, err
	}
	var out []Tenant
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) IncrementCounter(ctx context.Context, tenant string) (int64, error) {
	var counter int64
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Tenant{}).Where("tenant_name = ?", tenant).
			UpdateColumn("counter", gorm.Expr("counter + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var t Tenant
		if err := tx.Where("tenant_name = ?", tenant).First(&t).Error; err != nil {
			return err
		}
		counter = t.Counter
		return nil
	})
	return counter, err
}

func (d *Database) CreateML(ctx context.Context, tenant, mlName, subject string, members address.Set, by string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&MailingList{}).Where("ml_name = ?", mlName).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			d.log.Error("ML already exists", zap.String("ml_name", mlName))
			return ErrExists
		}
		now := d.now()
		ml := MailingList{
			MLName:     mlName,
			TenantName: tenant,
			Subject:    subject,
			Members:    members.Slice(),
			Status:     StatusNew,
			By:         by,
			Created:    now,
			Updated:    now,
			Logs: []LogEntry{{
				Op: OpCreate, By: by, TS: now, Members: members.Slice(),
			}},
		}
		return tx.Create(&ml).Error
	})
}

func (d *Database) GetML(ctx context.Context, mlName string) (*MailingList, error) {
	var ml MailingList
	err := d.db.WithContext(ctx).Where("ml_name = ?", mlName).First(&ml).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ml, nil
}

func (d *Database) FindMLs(ctx context.Context, f Filter, sortKey string, desc bool) ([]MailingList, error) {
	q, err := applyFilter(d.db.WithContext(ctx).Model(&MailingList{}), f, sortKey, desc)
	if err != nil {
		return nil, err
	}
	var out []MailingList
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) ChangeMLStatus(ctx context.Context, mlName string, status MLStatus, by string) error {
	op, ok := opForStatus[status]
	if !ok {
		return fmt.Errorf("store: no transition into status %q", status)
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ml MailingList
		if err := tx.Where("ml_name = ?", mlName).First(&ml).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		now := d.now()
		ml.Status = status
		ml.Updated = now
		ml.By = by
		ml.Logs = append(ml.Logs, LogEntry{Op: op, By: by, TS: now})
		return tx.Save(&ml).Error
	})
}

func (d *Database) AddMembers(ctx context.Context, mlName string, members address.Set, by string) error {
	return d.editMembers(ctx, mlName, members, by, OpAddMembers)
}

func (d *Database) DelMembers(ctx context.Context, mlName string, members address.Set, by string) error {
	return d.editMembers(ctx, mlName, members, by, OpDelMembers)
}

func (d *Database) editMembers(ctx context.Context, mlName string, members address.Set, by, op string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ml MailingList
		if err := tx.Where("ml_name = ?", mlName).First(&ml).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		cur := address.NewSet(ml.Members...)
		if op == OpAddMembers {
			cur = cur.Union(members)
		} else {
			cur = cur.Diff(members)
		}
		now := d.now()
		ml.Members = cur.Slice()
		ml.Updated = now
		ml.By = by
		ml.Logs = append(ml.Logs, LogEntry{Op: op, By: by, TS: now, Members: members.Slice()})
		return tx.Save(&ml).Error
	})
}

func (d *Database) GetMembers(ctx context.Context, mlName string) (address.Set, error) {
	ml, err := d.GetML(ctx, mlName)
	if err != nil || ml == nil {
		return nil, err
	}
	return ml.MemberSet(), nil
}

func (d *Database) MarkMLsOrphaned(ctx context.Context, cutoff time.Time, by string) error {
	return d.bulkAdvance(ctx, StatusOpen, StatusOrphaned, cutoff, by)
}

func (d *Database) MarkMLsClosed(ctx context.Context, cutoff time.Time, by string) error {
	return d.bulkAdvance(ctx, StatusOrphaned, StatusClosed, cutoff, by)
}

func (d *Database) bulkAdvance(ctx context.Context, from, to MLStatus, cutoff time.Time, by string) error {
	op := opForStatus[to]
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mls []MailingList
		if err := tx.Where("status = ? AND updated < ?", from, cutoff).Find(&mls).Error; err != nil {
			return err
		}
		now := d.now()
		for i := range mls {
			ml := &mls[i]
			ml.Status = to
			ml.Updated = now
			ml.By = by
			ml.Logs = append(ml.Logs, LogEntry{Op: op, By: by, TS: now})
			if err := tx.Save(ml).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) LogPost(ctx context.Context, mlName string, members address.Set, by string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ml MailingList
		if err := tx.Where("ml_name = ?", mlName).First(&ml).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		now := d.now()
		ml.Updated = now
		ml.By = by
		ml.Logs = append(ml.Logs, LogEntry{Op: OpPost, By: by, TS: now, Members: members.Slice()})
		return tx.Save(&ml).Error
	})
}

func (d *Database) GetLogs(ctx context.Context, mlName string) ([]LogEntry, error) {
	ml, err := d.GetML(ctx, mlName)
	if err != nil || ml == nil {
		return nil, err
	}
	return ml.Logs, nil
}
