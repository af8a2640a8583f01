// Command catmaid-cache inspects and prunes response cache snapshots.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/catmaid-client/pkg/cache"
	"github.com/Sternrassler/catmaid-client/pkg/logging"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

func main() {
	os.Exit(realMain(os.Args, os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	cfg, err := logging.ConfigFromEnv(os.LookupEnv)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg.Output = stderr
	logging.Setup(cfg)

	app := newApp()
	app.Writer = stdout
	app.ErrWriter = stderr

	if err := app.Run(context.Background(), args); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	return 0
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "catmaid-cache",
		Usage: "CATMAID response cache snapshot tool",
		Commands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "describe a snapshot",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "keys",
						Aliases: []string{"k"},
						Usage:   "list every entry",
					},
				},
				Action: inspectAction,
			},
			{
				Name:      "prune",
				Usage:     "drop expired entries and evict down to a size limit",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.FloatFlag{
						Name:  "size-limit",
						Usage: "size limit in MB (0 = unlimited)",
						Sources: cli.NewValueSourceChain(
							cli.EnvVar("CATMAID_CACHE_SIZE_LIMIT_MB"),
						),
					},
					&cli.DurationFlag{
						Name:  "time-limit",
						Usage: "maximum entry age (0 = unlimited)",
						Sources: cli.NewValueSourceChain(
							cli.EnvVar("CATMAID_CACHE_TIME_LIMIT"),
						),
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "write the pruned snapshot here instead of replacing FILE",
					},
				},
				Action: pruneAction,
			},
		},
	}
}

func snapshotArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", errors.New("expected exactly one snapshot FILE")
	}
	return cmd.Args().First(), nil
}

func inspectAction(ctx context.Context, cmd *cli.Command) error {
	path, err := snapshotArg(cmd)
	if err != nil {
		return err
	}
	info, err := cache.ReadSnapshotInfo(path)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "snapshot:   %s\n", info.Path)
	fmt.Fprintf(w, "schema:     %d\n", info.SchemaVersion)
	fmt.Fprintf(w, "saved:      %s (%s)\n", info.SavedAt.Format(time.RFC3339), humanize.Time(info.SavedAt))
	fmt.Fprintf(w, "entries:    %d\n", len(info.Entries))
	fmt.Fprintf(w, "total size: %s\n", humanize.IBytes(uint64(info.TotalBytes)))
	fmt.Fprintf(w, "size limit: %s\n", sizeLimit(info.SizeLimitBytes))
	fmt.Fprintf(w, "time limit: %s\n", timeLimit(info.TimeLimit))

	if !cmd.Bool("keys") || len(info.Entries) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSIZE\tKEY")
	for _, e := range info.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), humanize.IBytes(uint64(e.SizeBytes)), e.Key)
	}
	return tw.Flush()
}

// pruneAction loads the snapshot into a cache with the given limits, which
// drops expired and excess entries, and saves the result.
func pruneAction(ctx context.Context, cmd *cli.Command) error {
	path, err := snapshotArg(cmd)
	if err != nil {
		return err
	}

	rc, err := cache.New(cache.Config{
		Name:        "prune",
		Enabled:     true,
		SizeLimitMB: cmd.Float("size-limit"),
		TimeLimit:   cmd.Duration("time-limit"),
	},
		cache.WithCodec[[]byte](cache.BytesCodec[[]byte]{}),
		cache.WithSizer[[]byte](cache.BytesSizer[[]byte]),
	)
	if err != nil {
		return err
	}

	before, err := cache.ReadSnapshotInfo(path)
	if err != nil {
		return err
	}
	if err := rc.Load(path); err != nil {
		return err
	}

	out := cmd.String("output")
	if out == "" {
		out = path
	}
	if err := rc.Save(out); err != nil {
		return err
	}

	fmt.Fprintf(cmd.Root().Writer, "kept %d of %d entries (%s of %s) in %s\n",
		rc.Len(), len(before.Entries),
		humanize.IBytes(uint64(rc.SizeBytes())), humanize.IBytes(uint64(before.TotalBytes)),
		out)
	return nil
}

func sizeLimit(b int64) string {
	if b == 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(b))
}

func timeLimit(d time.Duration) string {
	if d == 0 {
		return "unlimited"
	}
	return d.String()
}
