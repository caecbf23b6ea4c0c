package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/iTrooz/urlcache/internal/cache/kvcache"
	"github.com/iTrooz/urlcache/internal/config"
	"github.com/iTrooz/urlcache/internal/fetch"
)

// maintain runs a one-shot command against the configured cache folder.
func maintain(ctx context.Context, cfg *config.Config, opts options, command string, args []string) error {
	store, err := openStore(cfg, opts, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	switch command {
	case "usage":
		report := <-store.DiskUsage(ctx)
		if report.Err != nil {
			return report.Err
		}
		printUsage(report.Usage)
		return nil

	case "trim-size":
		if len(args) != 1 {
			return errUsage
		}
		size, err := humanize.ParseBytes(args[0])
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[0], err)
		}
		res, err := store.TrimToSize(ctx, int64(size))
		printTrim(res)
		return err

	case "trim-age":
		if len(args) != 1 {
			return errUsage
		}
		age, err := time.ParseDuration(args[0])
		if err != nil || age < 0 {
			return fmt.Errorf("invalid age %q", args[0])
		}
		res, err := store.TrimToDate(ctx, time.Now().Add(-age))
		printTrim(res)
		return err

	case "clear":
		res, err := store.Clear(ctx)
		printTrim(res)
		return err

	case "reconcile":
		res, err := store.Reconcile(ctx)
		if err != nil {
			return err
		}
		if res.Drifted() {
			fmt.Printf("corrected: %s in %d entries (was %s in %d)\n",
				humanize.Bytes(uint64(res.ActualBytes)), res.ActualEntries,
				humanize.Bytes(uint64(res.CountedBytes)), res.CountedEntries)
		} else {
			fmt.Println("counters are consistent")
		}
		return nil

	case "fetch":
		if len(args) != 1 {
			return errUsage
		}
		hc, err := newHTTPCache(cfg, store)
		if err != nil {
			return err
		}
		client := fetch.New(hc, fetch.Options{
			UserAgent: "urlcache/" + version,
			RequireOK: true,
			CanCache:  true,
			Timeout:   30 * time.Second,
		})
		resp, err := client.Get(ctx, args[0])
		if err != nil {
			return err
		}
		source := "network"
		if resp.FromCache {
			source = "cache"
		}
		fmt.Fprintf(os.Stderr, "%d from %s, %s\n", resp.StatusCode, source, humanize.Bytes(uint64(len(resp.Body))))
		_, err = os.Stdout.Write(resp.Body)
		return err

	case "kv-put":
		fs := flag.NewFlagSet("kv-put", flag.ContinueOnError)
		ttl := fs.Duration("ttl", 0, "lifetime of the entry (0 = forever)")
		args, err := parseInterspersed(fs, args)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		if len(args) != 2 || *ttl < 0 {
			return errUsage
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		return kvcache.New(store, nil).Store(ctx, args[0], data, *ttl)

	case "kv-get":
		if len(args) != 1 {
			return errUsage
		}
		data, err := kvcache.New(store, nil).Data(ctx, args[0])
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("%w: %s", cache.ErrNotFound, args[0])
		}
		_, err = os.Stdout.Write(data)
		return err

	case "kv-rm":
		if len(args) != 1 {
			return errUsage
		}
		return kvcache.New(store, nil).Remove(ctx, args[0])

	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}
}

// parseInterspersed parses fs flags wherever they appear among args and returns
// the positional arguments in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func printUsage(u cache.Usage) {
	fmt.Printf("%d entries, %s\n", u.Entries, humanize.Bytes(uint64(u.Bytes)))
	names := make([]string, 0, len(u.ByCategory))
	for name := range u.ByCategory {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := u.ByCategory[name]
		fmt.Printf("  %-6s %6d entries, %s\n", name, c.Entries, humanize.Bytes(uint64(c.Bytes)))
	}
}

func printTrim(res cache.TrimResult) {
	fmt.Printf("removed %d entries, freed %s\n", res.Removed, humanize.Bytes(uint64(res.FreedBytes)))
}
