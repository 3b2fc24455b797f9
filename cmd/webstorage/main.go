package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/stringutils"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"github.com/jmoiron/sqlx"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/umputun/webstorage/pkg/config"
	"github.com/umputun/webstorage/pkg/secrets"
	"github.com/umputun/webstorage/pkg/store"
)

type options struct {
	Config     string `short:"f" long:"config" env:"WEBSTORAGE_CONFIG" default:"webstorage.yml" description:"tables config file or url"`
	Driver     string `long:"driver" env:"WEBSTORAGE_DRIVER" description:"database driver, overrides config"`
	DSN        string `long:"dsn" env:"WEBSTORAGE_DSN" description:"database connection string, overrides config"`
	Concurrent int    `short:"c" long:"concurrent" env:"WEBSTORAGE_CONCURRENT" default:"4" description:"concurrent saves for import"`

	// secrets
	SecretsProvider SecretsProvider `group:"secrets" namespace:"secrets" env-namespace:"WEBSTORAGE_SECRETS"`

	Dbg bool `long:"dbg" description:"debug mode"`

	InitCmd struct {
		PositionalArgs struct {
			Tables []string `positional-arg-name:"table" description:"tables to create, all if not set"`
		} `positional-args:"yes"`
	} `command:"init" description:"create tables if missing"`

	DropCmd    tableCmd    `command:"drop" description:"drop table"`
	ClearCmd   tableCmd    `command:"clear" description:"delete all rows of table"`
	CreateCmd  recordsCmd  `command:"create" description:"insert json records, prints ids"`
	UpdateCmd  recordsCmd  `command:"update" description:"update json records by id"`
	SaveCmd    recordsCmd  `command:"save" description:"insert or update json records"`
	FindCmd    criteriaCmd `command:"find" description:"print rows matching json criteria as json lines"`
	CountCmd   criteriaCmd `command:"count" description:"print number of rows matching json criteria"`
	DestroyCmd struct {
		PositionalArgs struct {
			Table string   `positional-arg-name:"table" required:"yes"`
			IDs   []string `positional-arg-name:"id" required:"1"`
		} `positional-args:"yes"`
	} `command:"destroy" description:"delete rows by id"`

	ImportCmd struct {
		Tables         []string `short:"t" long:"table" description:"import only these tables"`
		PositionalArgs struct {
			File string `positional-arg-name:"file" required:"yes" description:"yaml or json file with records by table"`
		} `positional-args:"yes"`
	} `command:"import" description:"save records from file, concurrently"`
}

type tableCmd struct {
	PositionalArgs struct {
		Table string `positional-arg-name:"table" required:"yes"`
	} `positional-args:"yes"`
}

type recordsCmd struct {
	PositionalArgs struct {
		Table   string   `positional-arg-name:"table" required:"yes"`
		Records []string `positional-arg-name:"record" required:"1" description:"json object"`
	} `positional-args:"yes"`
}

type criteriaCmd struct {
	PositionalArgs struct {
		Table    string `positional-arg-name:"table" required:"yes"`
		Criteria string `positional-arg-name:"criteria" description:"json object, all rows if not set"`
	} `positional-args:"yes"`
}

// SecretsProvider defines secrets provider options, for all supported providers
type SecretsProvider struct {
	Provider string `long:"provider" env:"PROVIDER" description:"secret provider type" choice:"none" choice:"internal" choice:"vault" choice:"aws" choice:"ansible-vault" default:"none"`

	Key  string `long:"key" env:"KEY" description:"secure key for internal secrets provider"`
	Conn string `long:"conn" env:"CONN" description:"connection string for internal secrets provider" default:"webstorage.db"`

	Vault struct {
		Token string `long:"token" env:"TOKEN" description:"vault token"`
		Path  string `long:"path"  env:"PATH" description:"vault path"`
		URL   string `long:"url" env:"URL" description:"vault url"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Region    string `long:"region" env:"REGION" description:"aws region"`
		AccessKey string `long:"access-key" env:"ACCESS_KEY" description:"aws access key"`
		SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"aws secret key"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	Ansible struct {
		Path   string `long:"path" env:"PATH" description:"ansible-vault file"`
		Secret string `long:"secret" env:"SECRET" description:"ansible-vault password"`
	} `group:"ansible" namespace:"ansible" env-namespace:"ANSIBLE"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	fmt.Printf("webstorage %s\n", revision)

	opts, p, err := parseArgs(os.Args[1:])
	if err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, opts, os.Stdout); err != nil {
		fmt.Printf("failed, %v\n", formatErrorString(err.Error()))
		exitFunc(1)
	}
}

func parseArgs(args []string) (options, *flags.Parser, error) {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	_, err := p.ParseArgs(args)
	return opts, p, err
}

func run(ctx context.Context, p *flags.Parser, opts options, out io.Writer) error {
	st := time.Now()
	conf, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	lgr.Setup(lgr.Secret(conf.AllSecretValues()...)) // mask secrets in logs

	db, err := store.Open(ctx, conf.Database.Driver, conf.DSN())
	if err != nil {
		return fmt.Errorf("can't open database: %w", err)
	}
	defer db.Close() // nolint

	if p.Active == nil {
		return nil
	}

	switch p.Active.Name {
	case "init":
		err = initTables(ctx, db, conf, opts.InitCmd.PositionalArgs.Tables)
	case "drop":
		err = withTable(ctx, db, conf, opts.DropCmd.PositionalArgs.Table, func(t *store.Table) error {
			return t.Drop(ctx)
		})
	case "clear":
		err = withTable(ctx, db, conf, opts.ClearCmd.PositionalArgs.Table, func(t *store.Table) error {
			n, e := t.Clear(ctx)
			if e != nil {
				return e
			}
			fmt.Fprintf(out, "deleted %d\n", n) // nolint
			return nil
		})
	case "create":
		err = withRecords(ctx, db, conf, opts.CreateCmd, func(t *store.Table, recs []store.Record) error {
			res := t.Create(ctx, recs...)
			for _, id := range res.IDs() {
				fmt.Fprintln(out, id) // nolint
			}
			return res.Err()
		})
	case "update":
		err = withRecords(ctx, db, conf, opts.UpdateCmd, func(t *store.Table, recs []store.Record) error {
			res := t.Update(ctx, recs...)
			var n int64
			for _, r := range res {
				n += r.Affected
			}
			fmt.Fprintf(out, "updated %d\n", n) // nolint
			return res.Err()
		})
	case "save":
		err = withRecords(ctx, db, conf, opts.SaveCmd, func(t *store.Table, recs []store.Record) error {
			errs := new(multierror.Error)
			for i, rec := range recs {
				r, e := t.Save(ctx, rec)
				if e != nil {
					errs = multierror.Append(errs, fmt.Errorf("record %d: %w", i, e))
					continue
				}
				fmt.Fprintln(out, r.ID) // nolint
			}
			return errs.ErrorOrNil()
		})
	case "find":
		err = withCriteria(ctx, db, conf, opts.FindCmd, func(t *store.Table, criteria store.Record) error {
			rows, e := t.Find(ctx, criteria)
			if e != nil {
				return e
			}
			return printRows(out, rows)
		})
	case "count":
		err = withCriteria(ctx, db, conf, opts.CountCmd, func(t *store.Table, criteria store.Record) error {
			n, e := t.Count(ctx, criteria)
			if e != nil {
				return e
			}
			fmt.Fprintln(out, n) // nolint
			return nil
		})
	case "destroy":
		err = withTable(ctx, db, conf, opts.DestroyCmd.PositionalArgs.Table, func(t *store.Table) error {
			var total int64
			for _, id := range opts.DestroyCmd.PositionalArgs.IDs {
				n, e := t.Destroy(ctx, id)
				if e != nil {
					return e
				}
				total += n
			}
			fmt.Fprintf(out, "deleted %d\n", total) // nolint
			return nil
		})
	case "import":
		err = importFile(ctx, db, conf, opts.ImportCmd.PositionalArgs.File, opts.ImportCmd.Tables, opts.Concurrent)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", p.Active.Name, err)
	}
	log.Printf("[DEBUG] %s completed in %v", p.Active.Name, time.Since(st).Truncate(time.Millisecond))
	return nil
}

func loadConfig(ctx context.Context, opts options) (*config.Config, error) {
	confFile, err := expandPath(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("can't expand config path %q: %w", opts.Config, err)
	}

	secretsProvider, err := makeSecretsProvider(ctx, opts.SecretsProvider)
	if err != nil {
		return nil, fmt.Errorf("can't make secrets provider: %w", err)
	}
	if c, ok := secretsProvider.(io.Closer); ok {
		defer c.Close() // nolint
	}

	conf, err := config.New(ctx, confFile, &config.Overrides{Driver: opts.Driver, DSN: opts.DSN}, secretsProvider)
	if err != nil {
		return nil, fmt.Errorf("can't load config %q: %w", confFile, err)
	}
	return conf, nil
}

func initTables(ctx context.Context, db *sqlx.DB, conf *config.Config, names []string) error {
	if len(names) == 0 {
		names = conf.TableNames()
	}
	for _, name := range stringutils.DeDup(names) {
		if err := withTable(ctx, db, conf, name, func(*store.Table) error { return nil }); err != nil {
			return err
		}
		log.Printf("[INFO] table %s ready", name)
	}
	return nil
}

// withTable makes the table declared in config, creating it if missing, and runs fn with it
func withTable(ctx context.Context, db *sqlx.DB, conf *config.Config, name string, fn func(t *store.Table) error) error {
	schema, err := conf.Table(name)
	if err != nil {
		return err
	}
	tbl, err := store.New(ctx, db, schema)
	if err != nil {
		return err
	}
	return fn(tbl)
}

func withRecords(ctx context.Context, db *sqlx.DB, conf *config.Config, cmd recordsCmd,
	fn func(t *store.Table, recs []store.Record) error) error {
	recs := make([]store.Record, 0, len(cmd.PositionalArgs.Records))
	for _, s := range cmd.PositionalArgs.Records {
		rec, err := parseRecord(s)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return withTable(ctx, db, conf, cmd.PositionalArgs.Table, func(t *store.Table) error { return fn(t, recs) })
}

func withCriteria(ctx context.Context, db *sqlx.DB, conf *config.Config, cmd criteriaCmd,
	fn func(t *store.Table, criteria store.Record) error) error {
	criteria := store.Record{}
	if cmd.PositionalArgs.Criteria != "" {
		c, err := parseRecord(cmd.PositionalArgs.Criteria)
		if err != nil {
			return err
		}
		criteria = c
	}
	return withTable(ctx, db, conf, cmd.PositionalArgs.Table, func(t *store.Table) error { return fn(t, criteria) })
}

// parseRecord decodes json object, numbers kept as json.Number to preserve integers
func parseRecord(s string) (store.Record, error) {
	dec := json.NewDecoder(bytes.NewBufferString(s))
	dec.UseNumber()
	rec := store.Record{}
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("can't parse record %q: %w", s, err)
	}
	return rec, nil
}

func printRows(out io.Writer, rows []store.Record) error {
	enc := json.NewEncoder(out)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("can't encode row %s: %w", r.ID(), err)
		}
	}
	return nil
}

// importFile saves records from yaml or json file with records listed by table name.
// Records are saved concurrently, all failures reported together.
func importFile(ctx context.Context, db *sqlx.DB, conf *config.Config, fname string, only []string, concurrent int) error {
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return fmt.Errorf("can't read import file: %w", err)
	}
	byTable := map[string][]store.Record{}
	if err = yaml.Unmarshal(data, &byTable); err != nil {
		return fmt.Errorf("can't parse import file %s: %w", fname, err)
	}

	names := make([]string, 0, len(byTable))
	for name := range byTable {
		if len(only) > 0 && !stringutils.Contains(name, only) {
			log.Printf("[DEBUG] skip table %s", name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	tables := make(map[string]*store.Table, len(names))
	for _, name := range names {
		schema, e := conf.Table(name)
		if e != nil {
			return e
		}
		if tables[name], e = store.New(ctx, db, schema); e != nil {
			return e
		}
	}

	if concurrent < 1 {
		concurrent = 1
	}
	var saved int32
	wg := syncs.NewErrSizedGroup(concurrent, syncs.Context(ctx), syncs.Preemptive)
	for _, name := range names {
		tbl := tables[name]
		for i, rec := range byTable[name] {
			wg.Go(func() error {
				if _, e := tbl.Save(ctx, rec); e != nil {
					return fmt.Errorf("%s record %d: %w", tbl.Name(), i, e)
				}
				atomic.AddInt32(&saved, 1)
				return nil
			})
		}
	}
	err = wg.Wait()
	log.Printf("[INFO] imported %d records into %d tables", atomic.LoadInt32(&saved), len(names))
	return err
}

func makeSecretsProvider(ctx context.Context, sopts SecretsProvider) (config.SecretsProvider, error) {
	switch sopts.Provider {
	case "none":
		return &secrets.NoOpProvider{}, nil
	case "internal":
		return secrets.NewInternalProvider(ctx, sopts.Conn, []byte(sopts.Key))
	case "vault":
		return secrets.NewHashiVaultProvider(sopts.Vault.URL, sopts.Vault.Path, sopts.Vault.Token)
	case "aws":
		return secrets.NewAWSSecretsProvider(ctx, sopts.Aws.AccessKey, sopts.Aws.SecretKey, sopts.Aws.Region)
	case "ansible-vault":
		return secrets.NewAnsibleVaultProvider(sopts.Ansible.Path, sopts.Ansible.Secret)
	}
	log.Printf("[WARN] unknown secrets provider %q", sopts.Provider)
	return &secrets.NoOpProvider{}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		usr, err := user.Current()
		if err != nil {
			return "", err
		}
		return filepath.Join(usr.HomeDir, path[1:]), nil
	}
	return path, nil
}

// formatErrorString makes multi-error output one error per line.
// Both syncs ("[0] {err}") and go-multierror ("* err") lists are recognized.
func formatErrorString(input string) string {
	headerRe := regexp.MustCompile(`(.*?: \d+ error(?:s|\(s\))? occurred:)`)
	headerMatch := headerRe.FindStringSubmatch(input)
	if len(headerMatch) == 0 {
		return input
	}

	errorsRe := regexp.MustCompile(`\[\d+] {([^}]+)}`)
	errorsMatches := errorsRe.FindAllStringSubmatch(input, -1)
	if len(errorsMatches) == 0 {
		errorsRe = regexp.MustCompile(`\n\s*\* ([^\n]+)`)
		errorsMatches = errorsRe.FindAllStringSubmatch(input, -1)
	}

	formattedString := fmt.Sprintf("%s\n", strings.TrimSpace(headerMatch[1]))
	for i, match := range errorsMatches {
		formattedString += fmt.Sprintf("   [%d] %s\n", i, strings.TrimSpace(match[1]))
	}
	return formattedString
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec // fd fits int
		color.NoColor = true
	}
	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
