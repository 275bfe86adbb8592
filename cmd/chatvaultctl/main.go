package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatvault/internal/api"
	"github.com/matheus3301/chatvault/internal/client"
	"github.com/matheus3301/chatvault/internal/lock"
	"github.com/matheus3301/chatvault/internal/profile"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// passwordEnv is read when --password is not given.
const passwordEnv = "CHATVAULT_BACKUP_PASSWORD"

var (
	jsonOut     bool
	profileName string
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.BoolVar(&jsonOut, "json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	profileName = profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		show(call(ctx, c, api.MethodStatus, nil), printStatus)
	case "stats":
		show(call(ctx, c, api.MethodStats, nil), printFields)
	case "check":
		show(call(ctx, c, api.MethodCheck, nil), printReport)
	case "repair":
		show(callLong(ctx, c, api.MethodRepair, nil), printRepair)
	case "recover":
		cmdRecover(ctx, c, rest)
	case "get":
		cmdGet(ctx, c, rest)
	case "list":
		cmdList(ctx, c, rest)
	case "search":
		cmdSearch(ctx, c, rest)
	case "prune":
		fs := flag.NewFlagSet("prune", flag.ExitOnError)
		days := fs.Int("days", 0, "keep messages newer than this many days (default: retention_days)")
		_ = fs.Parse(rest)
		show(call(ctx, c, api.MethodPrune, map[string]any{"keepDays": *days}), printFields)
	case "vacuum":
		show(callLong(ctx, c, api.MethodVacuum, nil), func(map[string]any) { fmt.Println("Vacuum complete.") })
	case "backup":
		if len(rest) == 0 {
			fmt.Fprintln(os.Stderr, "usage: chatvaultctl backup <create|restore|verify|list|prune>")
			os.Exit(1)
		}
		cmdBackup(ctx, c, rest[0], rest[1:])
	case "watch":
		cmdWatch(ctx, c, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatvaultctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show daemon and store health")
	fmt.Fprintln(os.Stderr, "  stats                        Show cache statistics")
	fmt.Fprintln(os.Stderr, "  check                        Run an integrity check")
	fmt.Fprintln(os.Stderr, "  repair                       Repair the store in place")
	fmt.Fprintln(os.Stderr, "  recover --yes                Rebuild the database from salvaged rows")
	fmt.Fprintln(os.Stderr, "  get <id>                     Show one message")
	fmt.Fprintln(os.Stderr, "  list [--limit N] <channel>   List recent messages of a channel")
	fmt.Fprintln(os.Stderr, "  search [flags] <query>       Search messages")
	fmt.Fprintln(os.Stderr, "  prune [--days N]             Delete old messages")
	fmt.Fprintln(os.Stderr, "  vacuum                       Reclaim disk space")
	fmt.Fprintln(os.Stderr, "  backup create|restore|verify|list|prune")
	fmt.Fprintln(os.Stderr, "  watch [namespace]            Stream daemon events")
}

func cmdRecover(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	yes := fs.Bool("yes", false, "confirm the database may be recreated")
	_ = fs.Parse(args)
	if !*yes {
		fmt.Fprintln(os.Stderr, "emergency recovery recreates the database from whatever rows are readable; rerun with --yes")
		os.Exit(1)
	}
	show(callLong(ctx, c, api.MethodRecover, map[string]any{"confirm": true}), printFields)
}

func cmdGet(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chatvaultctl get <id>")
		os.Exit(1)
	}
	resp := call(ctx, c, api.MethodGetMessage, map[string]any{"id": args[0]})
	if resp["found"] != true {
		fmt.Fprintf(os.Stderr, "message %s not found\n", args[0])
		os.Exit(1)
	}
	show(resp, func(r map[string]any) { printFields(r["message"].(map[string]any)) })
}

func cmdList(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum number of messages")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chatvaultctl list [--limit N] <channel>")
		os.Exit(1)
	}
	resp := call(ctx, c, api.MethodListMessages, map[string]any{"channelId": fs.Arg(0), "limit": *limit})
	show(resp, func(r map[string]any) {
		for _, m := range r["messages"].([]any) {
			printMessage(m.(map[string]any))
		}
		if r["hasMore"] == true {
			fmt.Println("...")
		}
	})
}

func cmdSearch(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	channel := fs.String("channel", "", "restrict to one channel")
	limit := fs.Int("limit", 0, "maximum number of results")
	mode := fs.String("mode", "", "search mode: prefix, sender or substring (default ranked)")
	_ = fs.Parse(args)
	query := strings.Join(fs.Args(), " ")
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: chatvaultctl search [--channel C] [--limit N] [--mode M] <query>")
		os.Exit(1)
	}
	resp := call(ctx, c, api.MethodSearch, map[string]any{
		"query":     query,
		"channelId": *channel,
		"limit":     *limit,
		"mode":      *mode,
	})
	show(resp, func(r map[string]any) {
		results := r["results"].([]any)
		if len(results) == 0 {
			fmt.Println("No results.")
			return
		}
		for _, res := range results {
			hit := res.(map[string]any)
			msg := hit["message"].(map[string]any)
			fmt.Printf("[%s] %s: %s\n", msg["channelId"], msg["senderName"], hit["snippet"])
		}
	})
}

func cmdBackup(ctx context.Context, c *client.Client, sub string, args []string) {
	fs := flag.NewFlagSet("backup "+sub, flag.ExitOnError)
	password := fs.String("password", "", "backup password (default $"+passwordEnv+")")
	switch sub {
	case "create":
		includeDeleted := fs.Bool("include-deleted", false, "include soft-deleted messages")
		_ = fs.Parse(args)
		resp := callLong(ctx, c, api.MethodCreateBackup, map[string]any{
			"password":       passwordOrEnv(*password),
			"includeDeleted": *includeDeleted,
		})
		show(resp, func(r map[string]any) {
			file := r["file"].(map[string]any)
			m := r["manifest"].(map[string]any)
			fmt.Printf("Backup written: %s\n", file["path"])
			fmt.Printf("Messages: %v  Channels: %v  Encrypted: %v\n", m["messageCount"], m["channelCount"], r["encrypted"])
			for _, name := range r["pruned"].([]any) {
				fmt.Printf("Pruned: %s\n", name)
			}
		})
	case "restore":
		merge := fs.Bool("merge", false, "merge into the cache instead of replacing it")
		_ = fs.Parse(args)
		resp := callLong(ctx, c, api.MethodRestoreBackup, map[string]any{
			"name":     fs.Arg(0),
			"password": passwordOrEnv(*password),
			"merge":    *merge,
		})
		show(resp, printFields)
	case "verify":
		_ = fs.Parse(args)
		resp := callLong(ctx, c, api.MethodVerifyBackup, map[string]any{
			"name":     fs.Arg(0),
			"password": passwordOrEnv(*password),
		})
		show(resp, func(r map[string]any) {
			switch {
			case r["valid"] == true:
				m := r["manifest"].(map[string]any)
				fmt.Printf("Valid backup %s: %v messages, %v channels\n", m["backupId"], m["messageCount"], m["channelCount"])
			case r["needsPassword"] == true:
				fmt.Println("Backup is encrypted; pass --password to verify its contents.")
			default:
				fmt.Printf("Invalid backup: %s\n", r["error"])
				os.Exit(1)
			}
		})
	case "list":
		_ = fs.Parse(args)
		show(call(ctx, c, api.MethodListBackups, nil), func(r map[string]any) {
			backups := r["backups"].([]any)
			if len(backups) == 0 {
				fmt.Printf("No backups in %s.\n", r["dir"])
				return
			}
			for _, b := range backups {
				f := b.(map[string]any)
				tag := ""
				if f["encrypted"] == true {
					tag = " (encrypted)"
				}
				fmt.Printf("%-40s %10.0f bytes%s\n", f["name"], f["size"], tag)
			}
		})
	case "prune":
		keep := fs.Int("keep", 0, "number of backups to keep (default: backup_keep)")
		_ = fs.Parse(args)
		show(call(ctx, c, api.MethodPruneBackups, map[string]any{"keep": *keep}), func(r map[string]any) {
			for _, name := range r["removed"].([]any) {
				fmt.Printf("Removed: %s\n", name)
			}
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown backup subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func cmdWatch(ctx context.Context, c *client.Client, args []string) {
	namespace := ""
	if len(args) > 0 {
		namespace = args[0]
	}
	err := c.Watch(ctx, namespace, func(evt map[string]any) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		at := time.UnixMilli(int64(evt["occurredAt"].(float64)))
		fmt.Printf("%s  %s\n", at.Format(time.RFC3339), evt["kind"])
		return nil
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		fail(err)
	}
}

func call(ctx context.Context, c *client.Client, method string, fields map[string]any) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return invoke(ctx, c, method, fields)
}

// callLong is used for operations that scale with the cache size.
func callLong(ctx context.Context, c *client.Client, method string, fields map[string]any) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	return invoke(ctx, c, method, fields)
}

func invoke(ctx context.Context, c *client.Client, method string, fields map[string]any) map[string]any {
	resp, err := c.Call(ctx, method, fields)
	if err != nil {
		fail(err)
	}
	return resp
}

func passwordOrEnv(p string) string {
	if p != "" {
		return p
	}
	return os.Getenv(passwordEnv)
}

func show(resp map[string]any, human func(map[string]any)) {
	if jsonOut {
		outputJSON(resp)
		return
	}
	human(resp)
}

func printStatus(r map[string]any) {
	fmt.Printf("Profile: %s\n", r["profile"])
	if r["serving"] == false {
		fmt.Printf("State:   %s (store offline)\n", r["state"])
	} else {
		fmt.Printf("State:   %s\n", r["state"])
	}
	fmt.Printf("Uptime:  %.0fs\n", r["uptimeSeconds"])
}

func printReport(r map[string]any) {
	if r["healthy"] == true {
		fmt.Println("Healthy.")
	} else {
		fmt.Println("Unhealthy:")
	}
	for _, issue := range r["issues"].([]any) {
		fmt.Printf("  issue:   %s\n", issue)
	}
	for _, w := range r["warnings"].([]any) {
		fmt.Printf("  warning: %s\n", w)
	}
}

func printRepair(r map[string]any) {
	for _, a := range r["actions"].([]any) {
		fmt.Printf("  %s\n", a)
	}
	if r["success"] != true {
		fmt.Println("Repair did not complete; consider `chatvaultctl recover --yes`.")
		os.Exit(1)
	}
	fmt.Println("Repair complete.")
}

func printMessage(m map[string]any) {
	at := time.UnixMilli(int64(m["sentAt"].(float64)))
	fmt.Printf("%s  %-16s %s\n", at.Format("2006-01-02 15:04"), m["senderName"], m["content"])
}

// printFields prints a flat response as sorted key: value lines.
func printFields(r map[string]any) {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := r[k]
		if f, ok := v.(float64); ok {
			fmt.Printf("%-20s %.0f\n", k+":", f)
			continue
		}
		fmt.Printf("%-20s %v\n", k+":", v)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fail(err error) {
	s, ok := status.FromError(err)
	if ok && s.Code() == codes.Unavailable {
		if owner, running := lock.Running(profile.Dir(profileName)); running {
			fmt.Fprintf(os.Stderr, "error: daemon (PID %d) holds profile %q but is not answering: %s\n", owner.PID, profileName, s.Message())
		} else {
			fmt.Fprintf(os.Stderr, "error: no daemon running for profile %q; start chatvaultd --profile %s\n", profileName, profileName)
		}
		os.Exit(1)
	}
	if ok {
		fmt.Fprintf(os.Stderr, "error: %s\n", s.Message())
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
