// Command tyrantctl is a small command line client for tyrantd.
//
//	tyrantctl [-host h] [-port p] <command> [args...]
//
// Commands: get, put, out, incr, keys, stat, tget, tput, search, copy, restore, sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sanonone/tyrantdb/pkg/client"
	"github.com/sanonone/tyrantdb/pkg/core"
)

func main() {
	host := flag.String("host", client.DefaultHost, "Server host")
	port := flag.Int("port", client.DefaultPort, "Server port")
	timeout := flag.Duration("timeout", 30*time.Second, "Per command timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.Connect(ctx, *host, *port, client.WithTimeout(*timeout))
	if err != nil {
		fail(err)
	}
	defer c.Close()

	if err := run(ctx, c, flag.Arg(0), flag.Args()[1:]); err != nil {
		fail(err)
	}
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d arguments", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "get":
		if err := need(1); err != nil {
			return err
		}
		v, err := c.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(v))
	case "put":
		if err := need(2); err != nil {
			return err
		}
		return c.Put(args[0], []byte(args[1]), core.PutReplace)
	case "out":
		if err := need(1); err != nil {
			return err
		}
		return c.Out(args[0])
	case "incr":
		if err := need(2); err != nil {
			return err
		}
		amount, err := core.ParseNumber(args[1])
		if err != nil {
			return err
		}
		v, err := c.Increment(args[0], amount)
		if err != nil {
			return err
		}
		fmt.Println(core.FormatNumber(v))
	case "keys", "tkeys":
		var it *client.KeyIterator
		var err error
		if cmd == "keys" {
			it, err = c.Keys()
		} else {
			it, err = c.Table().Keys()
		}
		if err != nil {
			return err
		}
		for k, ok := it.Next(); ok; k, ok = it.Next() {
			fmt.Println(k)
		}
		return it.Err()
	case "stat":
		st, err := c.Stat()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(st))
		for k := range st {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Printf("%s\t%s\n", k, st[k])
		}
	case "tget":
		if err := need(1); err != nil {
			return err
		}
		cols, err := c.Table().Get(args[0])
		if err != nil {
			return err
		}
		printTuple(args[0], cols)
	case "tput":
		// tput key col=val [col=val...]
		if err := need(2); err != nil {
			return err
		}
		cols := make(core.Tuple)
		for _, a := range args[1:] {
			name, value, ok := strings.Cut(a, "=")
			if !ok {
				return fmt.Errorf("column %q is not name=value", a)
			}
			cols[name] = value
		}
		return c.Table().Put(args[0], cols, core.TPutReplace)
	case "search":
		return search(ctx, c, args)
	case "copy", "restore":
		if err := need(1); err != nil {
			return err
		}
		if cmd == "copy" {
			return c.Copy(args[0])
		}
		return c.Restore(args[0])
	case "sync":
		return c.Sync()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// search takes conditions as "column OP operand" triples, followed by
// optional "order column TYPE" and "limit n" clauses.
func search(ctx context.Context, c *client.Client, args []string) error {
	q := c.Table().NewQuery()
	defer q.Delete()

	for len(args) > 0 {
		switch args[0] {
		case "order":
			if len(args) < 3 {
				return fmt.Errorf("order needs a column and a type")
			}
			order, err := core.ParseOrder(args[2])
			if err != nil {
				return err
			}
			if err := q.SetOrder(args[1], order); err != nil {
				return err
			}
			args = args[3:]
		case "limit":
			if len(args) < 2 {
				return fmt.Errorf("limit needs a number")
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			if err := q.SetLimit(n, 0); err != nil {
				return err
			}
			args = args[2:]
		default:
			if len(args) < 3 {
				return fmt.Errorf("condition needs column, operator and operand")
			}
			op, negate, noIndex, err := core.ParseOp(args[1])
			if err != nil {
				return err
			}
			if err := q.AddCondition(args[0], op, args[2], negate, noIndex); err != nil {
				return err
			}
			args = args[3:]
		}
	}

	recs, err := q.SearchGet(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		printTuple(rec.Key, rec.Cols)
	}
	return nil
}

func printTuple(key string, cols core.Tuple) {
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(key)
	for _, k := range names {
		fmt.Fprintf(&b, "\t%s=%s", k, cols[k])
	}
	fmt.Println(b.String())
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tyrantctl [-host h] [-port p] <command> [args...]\n\n")
	fmt.Fprintf(os.Stderr, "commands: get put out incr keys tkeys stat tget tput search copy restore sync\n\n")
	flag.PrintDefaults()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "tyrantctl: %v\n", err)
	os.Exit(1)
}
