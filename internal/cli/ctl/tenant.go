// Package ctl implements the administrative subcommands. They operate on
// the same store as the server processes, acting as the sentinel "CLI".
package ctl

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/themadorg/amane/internal/address"
	amanecli "github.com/themadorg/amane/internal/cli"
	"github.com/themadorg/amane/internal/config"
	"github.com/themadorg/amane/internal/db"
	amanelog "github.com/themadorg/amane/internal/log"
	"github.com/themadorg/amane/internal/store"
)

func init() {
	amanecli.AddSubcommand(&cli.Command{
		Name:  "tenant",
		Usage: "Tenant operations",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Register parameters of a tenant",
				ArgsUsage: "NAME",
				Flags:     tenantFlags(),
				Action:    createTenant,
			},
			{
				Name:      "update",
				Usage:     "Update parameters of a tenant",
				ArgsUsage: "NAME",
				Flags:     tenantFlags(),
				Action:    updateTenant,
			},
			{
				Name:      "show",
				Usage:     "Show parameters of a tenant",
				ArgsUsage: "NAME",
				Action:    showTenant,
			},
			{
				Name:   "list",
				Usage:  "List tenants",
				Action: listTenants,
			},
			{
				Name:      "delete",
				Usage:     "Delete a tenant and all its lists",
				ArgsUsage: "NAME",
				Action:    deleteTenant,
			},
		},
	})
}

func tenantFlags() []cli.Flag {
	return []cli.Flag{
		&cli.PathFlag{Name: "yamlfile", Usage: "tenant parameters as a YAML document"},
		&cli.StringSliceFlag{Name: "admin", Usage: "admin address (repeatable)"},
		&cli.StringFlag{Name: "charset"},
		&cli.BoolFlag{Name: "enable"},
		&cli.BoolFlag{Name: "disable"},
		&cli.IntFlag{Name: "days-to-close", Value: -1},
		&cli.IntFlag{Name: "days-to-orphan", Value: -1},
		&cli.StringFlag{Name: "ml-name-format"},
		&cli.StringFlag{Name: "new-ml-account"},
		&cli.PathFlag{Name: "welcome-file"},
		&cli.PathFlag{Name: "readme-file"},
		&cli.PathFlag{Name: "add-file"},
		&cli.PathFlag{Name: "remove-file"},
		&cli.PathFlag{Name: "reopen-file"},
		&cli.PathFlag{Name: "goodbye-file"},
		&cli.StringFlag{Name: "report-subject"},
		&cli.PathFlag{Name: "report-file"},
		&cli.StringFlag{Name: "orphaned-subject"},
		&cli.PathFlag{Name: "orphaned-file"},
		&cli.StringFlag{Name: "closed-subject"},
		&cli.PathFlag{Name: "closed-file"},
	}
}

func openStore(c *cli.Context) (*store.Database, error) {
	cfg, err := config.Load(config.Path(c.String("config")))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	logger, err := amanelog.New("", c.Bool("debug"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	gdb, err := db.Open(db.Config{URL: cfg.DBURL, DBName: cfg.DBName, Debug: c.Bool("debug")})
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	return store.New(gdb, logger)
}

// yamlTenant mirrors the tenant document for --yamlfile input; every field
// is optional.
type yamlTenant struct {
	Admins       []string `yaml:"admins"`
	Charset      *string  `yaml:"charset"`
	Status       *string  `yaml:"status"`
	DaysToClose  *int     `yaml:"days_to_close"`
	DaysToOrphan *int     `yaml:"days_to_orphan"`
	MLNameFormat *string  `yaml:"ml_name_format"`
	NewMLAccount *string  `yaml:"new_ml_account"`

	WelcomeMsg *string `yaml:"welcome_msg"`
	ReadmeMsg  *string `yaml:"readme_msg"`
	AddMsg     *string `yaml:"add_msg"`
	RemoveMsg  *string `yaml:"remove_msg"`
	ReopenMsg  *string `yaml:"reopen_msg"`
	GoodbyeMsg *string `yaml:"goodbye_msg"`

	ReportSubject   *string `yaml:"report_subject"`
	ReportMsg       *string `yaml:"report_msg"`
	OrphanedSubject *string `yaml:"orphaned_subject"`
	OrphanedMsg     *string `yaml:"orphaned_msg"`
	ClosedSubject   *string `yaml:"closed_subject"`
	ClosedMsg       *string `yaml:"closed_msg"`
}

func readPatch(c *cli.Context) (store.TenantPatch, error) {
	var patch store.TenantPatch

	if path := c.Path("yamlfile"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return patch, err
		}
		var y yamlTenant
		if err := yaml.Unmarshal(raw, &y); err != nil {
			return patch, err
		}
		if y.Admins != nil {
			patch.Admins = address.NewSet(y.Admins...)
		}
		if y.Status != nil {
			s := store.TenantStatus(*y.Status)
			patch.Status = &s
		}
		patch.Charset = y.Charset
		patch.DaysToClose = y.DaysToClose
		patch.DaysToOrphan = y.DaysToOrphan
		patch.MLNameFormat = y.MLNameFormat
		patch.NewMLAccount = y.NewMLAccount
		patch.WelcomeMsg = y.WelcomeMsg
		patch.ReadmeMsg = y.ReadmeMsg
		patch.AddMsg = y.AddMsg
		patch.RemoveMsg = y.RemoveMsg
		patch.ReopenMsg = y.ReopenMsg
		patch.GoodbyeMsg = y.GoodbyeMsg
		patch.ReportSubject = y.ReportSubject
		patch.ReportMsg = y.ReportMsg
		patch.OrphanedSubject = y.OrphanedSubject
		patch.OrphanedMsg = y.OrphanedMsg
		patch.ClosedSubject = y.ClosedSubject
		patch.ClosedMsg = y.ClosedMsg
	}

	if admins := c.StringSlice("admin"); len(admins) > 0 {
		patch.Admins = address.Normalize(admins...)
	}
	if c.IsSet("charset") {
		v := c.String("charset")
		patch.Charset = &v
	}
	if c.Bool("enable") {
		s := store.TenantEnabled
		patch.Status = &s
	} else if c.Bool("disable") {
		s := store.TenantDisabled
		patch.Status = &s
	}
	if v := c.Int("days-to-close"); v >= 0 {
		patch.DaysToClose = &v
	}
	if v := c.Int("days-to-orphan"); v >= 0 {
		patch.DaysToOrphan = &v
	}
	if c.IsSet("ml-name-format") {
		v := c.String("ml-name-format")
		patch.MLNameFormat = &v
	}
	if c.IsSet("new-ml-account") {
		v := c.String("new-ml-account")
		patch.NewMLAccount = &v
	}

	fileFlag := func(name string, dst **string) error {
		if path := c.Path(name); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			s := string(raw)
			*dst = &s
		}
		return nil
	}
	for _, f := range []struct {
		flag string
		dst  **string
	}{
		{"welcome-file", &patch.WelcomeMsg},
		{"readme-file", &patch.ReadmeMsg},
		{"add-file", &patch.AddMsg},
		{"remove-file", &patch.RemoveMsg},
		{"reopen-file", &patch.ReopenMsg},
		{"goodbye-file", &patch.GoodbyeMsg},
		{"report-file", &patch.ReportMsg},
		{"orphaned-file", &patch.OrphanedMsg},
		{"closed-file", &patch.ClosedMsg},
	} {
		if err := fileFlag(f.flag, f.dst); err != nil {
			return patch, err
		}
	}
	if c.IsSet("report-subject") {
		v := c.String("report-subject")
		patch.ReportSubject = &v
	}
	if c.IsSet("orphaned-subject") {
		v := c.String("orphaned-subject")
		patch.OrphanedSubject = &v
	}
	if c.IsSet("closed-subject") {
		v := c.String("closed-subject")
		patch.ClosedSubject = &v
	}

	return patch, nil
}

func requireName(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit("expected exactly one tenant name", 2)
	}
	return c.Args().First(), nil
}

func createTenant(c *cli.Context) error {
	name, err := requireName(c)
	if err != nil {
		return err
	}
	patch, err := readPatch(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	cfg := store.TenantConfig{
		Admins:          patch.Admins,
		Charset:         deref(patch.Charset),
		MLNameFormat:    deref(patch.MLNameFormat),
		NewMLAccount:    deref(patch.NewMLAccount),
		WelcomeMsg:      deref(patch.WelcomeMsg),
		ReadmeMsg:       deref(patch.ReadmeMsg),
		AddMsg:          deref(patch.AddMsg),
		RemoveMsg:       deref(patch.RemoveMsg),
		ReopenMsg:       deref(patch.ReopenMsg),
		GoodbyeMsg:      deref(patch.GoodbyeMsg),
		ReportSubject:   deref(patch.ReportSubject),
		ReportMsg:       deref(patch.ReportMsg),
		OrphanedSubject: deref(patch.OrphanedSubject),
		OrphanedMsg:     deref(patch.OrphanedMsg),
		ClosedSubject:   deref(patch.ClosedSubject),
		ClosedMsg:       deref(patch.ClosedMsg),
	}
	if patch.Status != nil {
		cfg.Status = *patch.Status
	}
	if patch.DaysToOrphan != nil {
		cfg.DaysToOrphan = *patch.DaysToOrphan
	}
	if patch.DaysToClose != nil {
		cfg.DaysToClose = *patch.DaysToClose
	}

	switch {
	case len(cfg.Admins) == 0:
		return cli.Exit("at least one admin is required", 2)
	case cfg.NewMLAccount == "":
		return cli.Exit("new-ml-account is required", 2)
	case cfg.MLNameFormat == "":
		return cli.Exit("ml-name-format is required", 2)
	case cfg.DaysToOrphan <= 0 || cfg.DaysToClose <= 0:
		return cli.Exit("days-to-orphan and days-to-close must be positive", 2)
	}

	st, err := openStore(c)
	if err != nil {
		return err
	}
	if err := st.CreateTenant(c.Context, name, store.ActorCLI, cfg); err != nil {
		if err == store.ErrExists {
			return cli.Exit(fmt.Sprintf("tenant %s conflicts with an existing one", name), 2)
		}
		return cli.Exit(err.Error(), 2)
	}
	return nil
}

func updateTenant(c *cli.Context) error {
	name, err := requireName(c)
	if err != nil {
		return err
	}
	patch, err := readPatch(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	st, err := openStore(c)
	if err != nil {
		return err
	}
	switch err := st.UpdateTenant(c.Context, name, store.ActorCLI, patch); err {
	case nil:
		return nil
	case store.ErrNotFound:
		return cli.Exit(fmt.Sprintf("tenant %s not found", name), 1)
	default:
		return cli.Exit(err.Error(), 2)
	}
}

func showTenant(c *cli.Context) error {
	name, err := requireName(c)
	if err != nil {
		return err
	}
	st, err := openStore(c)
	if err != nil {
		return err
	}
	tenant, err := st.GetTenant(c.Context, name)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if tenant == nil {
		return cli.Exit(fmt.Sprintf("tenant %s not found", name), 1)
	}
	tenant.Logs = nil
	out, err := yaml.Marshal(tenant)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	fmt.Print(string(out))
	return nil
}

func listTenants(c *cli.Context) error {
	st, err := openStore(c)
	if err != nil {
		return err
	}
	tenants, err := st.FindTenants(c.Context, nil, "tenant_name", false)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	for i := range tenants {
		t := &tenants[i]
		fmt.Printf("%s: %s %s\n", t.TenantName, t.Status, t.Created.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func deleteTenant(c *cli.Context) error {
	name, err := requireName(c)
	if err != nil {
		return err
	}
	st, err := openStore(c)
	if err != nil {
		return err
	}
	tenant, err := st.GetTenant(c.Context, name)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if tenant == nil {
		return cli.Exit(fmt.Sprintf("tenant %s not found", name), 1)
	}
	if err := st.DeleteTenant(c.Context, name); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	return nil
}
