// Command keeperctl administers a sqlite task registry from the creator side:
// registering tasks, moving funds, canceling, and answering resolvers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"sorokeeper/internal/clock"
	"sorokeeper/internal/config"
	"sorokeeper/internal/registry"
	logx "sorokeeper/pkg/logx"
)

const usage = `usage: keeperctl [-config keeper.yaml | -db registry.db] <command> [args]

commands:
  register -target T -function F -interval 1m [-fee N] [-args a,b] [-resolver R] [-whitelist k1,k2] [-creator C]
  deposit  <id> <amount>
  withdraw <id> <amount>
  cancel   <id>
  show     <id>
  invocations <id>
  list
  resolver <address> <true|false>
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "keeperctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keeperctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfgPath := fs.String("config", "", "keeper config; its registry section is used")
	dbPath := fs.String("db", "", "sqlite registry path (overrides -config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return flag.ErrHelp
	}

	sc, err := registryConfig(*cfgPath, *dbPath)
	if err != nil {
		return err
	}
	reg, err := registry.OpenSQLite(sc, clock.Real{})
	if err != nil {
		return err
	}
	defer reg.Close()

	cmd, cargs := rest[0], rest[1:]
	switch cmd {
	case "register":
		return register(ctx, reg, cargs, out)
	case "deposit", "withdraw":
		id, amount, err := idAmount(cargs)
		if err != nil {
			return err
		}
		op := reg.Deposit
		if cmd == "withdraw" {
			op = reg.Withdraw
		}
		if err := op(ctx, id, amount); err != nil {
			return fmt.Errorf("%s task %d: %w", cmd, id, err)
		}
		return show(ctx, reg, id, out)
	case "cancel":
		id, err := taskID(cargs)
		if err != nil {
			return err
		}
		if err := reg.Cancel(ctx, id); err != nil {
			return fmt.Errorf("cancel task %d: %w", id, err)
		}
		return show(ctx, reg, id, out)
	case "show":
		id, err := taskID(cargs)
		if err != nil {
			return err
		}
		return show(ctx, reg, id, out)
	case "invocations":
		id, err := taskID(cargs)
		if err != nil {
			return err
		}
		n, err := reg.InvocationCount(ctx, id)
		if err != nil {
			return fmt.Errorf("count invocations of task %d: %w", id, err)
		}
		_, err = fmt.Fprintln(out, n)
		return err
	case "list":
		tasks, err := reg.ListActiveTasks(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, tasks)
	case "resolver":
		if len(cargs) != 2 {
			return errors.New("resolver needs <address> <true|false>")
		}
		ready, err := strconv.ParseBool(cargs[1])
		if err != nil {
			return fmt.Errorf("resolver answer: %w", err)
		}
		return reg.SetResolver(ctx, cargs[0], ready)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// registryConfig prefers -db; otherwise it reads the keeper config, which
// must select the sqlite driver.
func registryConfig(cfgPath, dbPath string) (registry.SQLiteConfig, error) {
	if strings.TrimSpace(dbPath) != "" {
		return registry.SQLiteConfig{Path: dbPath}, nil
	}
	if strings.TrimSpace(cfgPath) == "" {
		return registry.SQLiteConfig{}, errors.New("one of -db or -config is required")
	}
	_, st, err := config.NewManager(cfgPath, logx.Nop()).Load()
	if err != nil {
		return registry.SQLiteConfig{}, err
	}
	if st.Registry.Driver != config.DriverSQLite {
		return registry.SQLiteConfig{}, fmt.Errorf("registry driver is %q; keeperctl only manages sqlite registries", st.Registry.Driver)
	}
	return st.Registry.SQLite, nil
}

func register(ctx context.Context, reg registry.Admin, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		r         registry.Registration
		list      string
		whitelist string
	)
	fs.StringVar(&r.Creator, "creator", os.Getenv("USER"), "creator identity")
	fs.StringVar(&r.Target, "target", "", "target address")
	fs.StringVar(&r.Function, "function", "", "function to invoke")
	fs.StringVar(&list, "args", "", "comma-separated call arguments")
	fs.StringVar(&r.Resolver, "resolver", "", "resolver address")
	fs.StringVar(&whitelist, "whitelist", "", "comma-separated keeper ids")
	fs.DurationVar(&r.Interval, "interval", 0, "minimum time between executions")
	fs.Int64Var(&r.FeeBalance, "fee", 0, "initial fee deposit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r.Args = splitList(list)
	r.Whitelist = splitList(whitelist)

	id, err := reg.Register(ctx, r)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	_, err = fmt.Fprintln(out, id)
	return err
}

func show(ctx context.Context, reg registry.Client, id uint64, out io.Writer) error {
	t, err := reg.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(out, t)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func taskID(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected <id>")
	}
	return strconv.ParseUint(args[0], 10, 64)
}

func idAmount(args []string) (uint64, int64, error) {
	if len(args) != 2 {
		return 0, 0, errors.New("expected <id> <amount>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("id: %w", err)
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("amount: %w", err)
	}
	return id, amount, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
