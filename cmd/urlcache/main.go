// urlcache is a caching HTTP(S) forward proxy backed by a durable response cache
// with size and age based trimming.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

const usageText = `usage: urlcache [flags] [command] [args]

commands:
  serve                 run the proxy, admin API and janitor (default)
  usage                 print disk usage
  trim-size <size>      evict entries until the cache fits in size (e.g. 512MB)
  trim-age <duration>   remove entries stored longer ago than duration (e.g. 72h)
  clear                 remove every entry
  reconcile             recompute the size counters from the index
  fetch <url>           fetch url through the cache and write the body to stdout
  kv-put [-ttl d] <key> <file>
                        store a file under key for d (0 = forever)
  kv-get <key>          write the bytes stored under key to stdout
  kv-rm <key>           remove key
  config                print the effective configuration

flags:
`

func main() {
	flags := flag.NewFlagSet("urlcache", flag.ExitOnError)
	opts := options{}
	flags.StringVar(&opts.configPath, "config", "configs/config.yaml", "path to config file")
	flags.BoolVar(&opts.breakLock, "break-lock", false, "remove a stale cache lock left by a crashed process")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usageText)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println("urlcache", version)
		os.Exit(0)
	}

	if err := run(opts, flags.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
