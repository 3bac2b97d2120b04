package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kvinsights/kvinsights/api"
	"github.com/kvinsights/kvinsights/cmd/utils"
	"github.com/kvinsights/kvinsights/entry"
	"github.com/kvinsights/kvinsights/types"

	"github.com/docopt/docopt-go"
)

const KVCtlVersion = "0.0.1"

const usage = `kvinsights control.

Keys are JSON arrays such as '["users", "alice"]', values are plain JSON. The
default url is http://localhost:9090, or $KVINSIGHTS_URL if set.

Usage:
    kvctl list [--url=<url>] [--prefix=<key>] [--first=<n>] [--after=<cursor>]
    kvctl get [--url=<url>] <key>
    kvctl cursor [--url=<url>] <cursor>
    kvctl set [--url=<url>] [--versionstamp=<versionstamp>] <key> <value>
    kvctl exists [--url=<url>] <key>
    kvctl delete [--url=<url>] <key>
    kvctl publish [--url=<url>] <value>
    kvctl subscribe [--url=<url>] [--count=<n>]

Options:
    -h --help                       Show this screen.
    --version                       Show version.
    --url=<url>                     Server url.
    --prefix=<key>                  Only list keys starting with these parts.
    --first=<n>                     Page size, all entries if omitted.
    --after=<cursor>                Resume after this cursor.
    --versionstamp=<versionstamp>   Expected versionstamp, omit to create the key.
    --count=<n>                     Exit after this many values.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], KVCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, cc := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cc()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	url, _ := opts.String("--url")
	if url == "" {
		url = utils.LookupWithFallback("KVINSIGHTS_URL", "http://localhost:9090")
	}
	client := api.NewClient(url)

	if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		return subscribe(ctx, client, opts, out)
	}

	ctx, cc := context.WithTimeout(ctx, api.DefaultHTTPRequestTimeout)
	defer cc()

	if list_, _ := opts.Bool("list"); list_ {
		return list(ctx, client, opts, out)
	} else if get_, _ := opts.Bool("get"); get_ {
		return get(ctx, client, opts, out)
	} else if cursor_, _ := opts.Bool("cursor"); cursor_ {
		return cursor(ctx, client, opts, out)
	} else if set_, _ := opts.Bool("set"); set_ {
		return set(ctx, client, opts, out)
	} else if exists_, _ := opts.Bool("exists"); exists_ {
		return exists(ctx, client, opts, out)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		return del(ctx, client, opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		return publish(ctx, client, opts)
	}
	return fmt.Errorf("unknown command")
}

type printedEntry struct {
	Key          string `json:"key"`
	Value        any    `json:"value"`
	Versionstamp string `json:"versionstamp"`
	Cursor       string `json:"cursor,omitempty"`
}

func printEntry(out io.Writer, e entry.Entry, cursor string) error {
	marshaled, err := json.Marshal(printedEntry{
		Key:          e.Key.String(),
		Value:        types.Plain(e.Value),
		Versionstamp: string(e.Versionstamp),
		Cursor:       cursor,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(marshaled))
	return err
}

func parseKeyArg(opts docopt.Opts, name string) (types.Key, error) {
	arg, _ := opts.String(name)
	key, err := types.ParseKey([]byte(arg))
	if err != nil {
		return nil, fmt.Errorf("invalid key %q: %w", arg, err)
	}
	return key, nil
}

func parseValueArg(opts docopt.Opts) (types.Value, error) {
	arg, _ := opts.String("<value>")
	value, err := types.ParseValue([]byte(arg))
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", arg, err)
	}
	return value, nil
}

func list(ctx context.Context, client *api.Client, opts docopt.Opts, out io.Writer) error {
	var pagination entry.Pagination
	if first, _ := opts.String("--first"); first != "" {
		n, err := strconv.Atoi(first)
		if err != nil {
			return fmt.Errorf("invalid --first %q: %w", first, err)
		}
		pagination.First = n
	}
	pagination.After, _ = opts.String("--after")
	if prefix, _ := opts.String("--prefix"); prefix != "" {
		key, err := parseKeyArg(opts, "--prefix")
		if err != nil {
			return err
		}
		pagination.Prefix = key
	}

	page, err := client.ListEntries(ctx, pagination)
	if err != nil {
		return err
	}
	for _, e := range page.Entries {
		if err := printEntry(out, e.Entry, e.Cursor); err != nil {
			return err
		}
	}
	if page.PageInfo.HasNextPage {
		fmt.Fprintf(out, "more entries after %s\n", page.PageInfo.EndCursor)
	}
	return nil
}

func get(ctx context.Context, client *api.Client, opts docopt.Opts, out io.Writer) error {
	key, err := parseKeyArg(opts, "<key>")
	if err != nil {
		return err
	}
	e, ok, err := client.GetEntry(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s not found", key)
	}
	return printEntry(out, e, "")
}

func cursor(ctx context.Context, client *api.Client, opts docopt.Opts, out io.Writer) error {
	c, _ := opts.String("<cursor>")
	e, ok, err := client.FindEntryByCursor(ctx, c)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no entry at cursor %s", c)
	}
	return printEntry(out, e.Entry, e.Cursor)
}

func set(ctx context.Context, client *api.Client, opts docopt.Opts, out io.Writer) error {
	key, err := parseKeyArg(opts, "<key>")
	if err != nil {
		return err
	}
	value, err := parseValueArg(opts)
	if err != nil {
		return err
	}
	expected, _ := opts.String("--versionstamp")

	e, err := client.SaveEntry(ctx, key, value, types.Versionstamp(expected))
	if err != nil {
		return err
	}
	return printEntry(out, e, "")
}

func exists(ctx context.Context, client *api.Client, opts docopt.Opts, out io.Writer) error {
	key, err := parseKeyArg(opts, "<key>")
	if err != nil {
		return err
	}
	ok, err := client.EntryExists(ctx, key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, ok)
	return err
}

func del(ctx context.Context, client *api.Client, opts docopt.Opts) error {
	key, err := parseKeyArg(opts, "<key>")
	if err != nil {
		return err
	}
	return client.DeleteEntry(ctx, key)
}

func publish(ctx context.Context, client *api.Client, opts docopt.Opts) error {
	value, err := parseValueArg(opts)
	if err != nil {
		return err
	}
	return client.Publish(ctx, value)
}

func subscribe(ctx context.Context, client *api.Client, opts docopt.Opts, out io.Writer) error {
	count := 0
	if countStr, _ := opts.String("--count"); countStr != "" {
		n, err := strconv.Atoi(countStr)
		if err != nil {
			return fmt.Errorf("invalid --count %q: %w", countStr, err)
		}
		count = n
	}

	ctx, cc := context.WithCancel(ctx)
	defer cc()

	var (
		received int
		writeErr error
	)
	err := client.Subscribe(ctx, func(value types.Value) {
		marshaled, err := json.Marshal(types.Plain(value))
		if err != nil {
			writeErr = err
			cc()
			return
		}
		fmt.Fprintln(out, string(marshaled))

		received++
		if count > 0 && received >= count {
			cc()
		}
	})
	if err != nil {
		return err
	}
	return writeErr
}
