package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Artproton/beacon/internal/authtoken"
	"github.com/Artproton/beacon/internal/channel"
	cfgpkg "github.com/Artproton/beacon/internal/config"
	"github.com/Artproton/beacon/internal/device"
	"github.com/Artproton/beacon/internal/ingestion"
	"github.com/Artproton/beacon/internal/logstore"
	"github.com/Artproton/beacon/internal/protocol"
	pebblestore "github.com/Artproton/beacon/internal/storage/pebble"
	logpkg "github.com/Artproton/beacon/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "beacon",
		Short: "Beacon telemetry pipeline CLI",
		Long:  "Beacon stages telemetry records locally and delivers them in batches. This CLI runs the pipeline against a store directory and inspects it.",
	}
	rootCmd.AddCommand(runCmd(), countCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg cfgpkg.Config) logpkg.Logger {
	level, err := logpkg.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logpkg.InfoLevel
	}
	format, err := logpkg.ParseFormat(cfg.Log.Format)
	if err != nil {
		format = logpkg.FormatText
	}
	return logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormat(format))
}

func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if secret, _ := cmd.Flags().GetString("app-secret"); secret != "" {
		cfg.AppSecret = secret
	}
	return cfg, cfg.Validate()
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to JSON or YAML config file")
	cmd.Flags().String("data-dir", "", "Store directory (overrides config)")
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Read lines from stdin and deliver them as telemetry records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			groupID, _ := cmd.Flags().GetString("group")
			filterExpr, _ := cmd.Flags().GetString("filter")
			logger := newLogger(cfg)

			db, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir})
			if err != nil {
				return err
			}
			defer db.Close()
			store := logstore.New(db, logger)
			defer store.Close()

			client := ingestion.NewClient(ingestion.Options{
				Endpoint:  cfg.Endpoint,
				AppSecret: cfg.AppSecret,
				InstallID: uuid.New(),
				Logger:    logger,
			})
			group := channel.NewGroup(channel.GroupOptions{
				Store:     store,
				Ingestion: client,
				Auth:      authtoken.NewContext(logger),
				Device:    device.NewProvider("", ""),
				Logger:    logger,
			})
			defer group.Close()

			gc := groupConfig(cfg, groupID)
			unit := group.AddUnit(channel.Config{
				GroupID:           gc.GroupID,
				Priority:          gc.Priority,
				FlushInterval:     gc.FlushInterval.Std(),
				BatchSizeLimit:    gc.BatchSizeLimit,
				PendingBatchLimit: gc.PendingBatchLimit,
			})
			unit.AddDelegate(&printDelegate{})
			if filterExpr != "" {
				filter, err := channel.NewCELFilter(filterExpr, logger)
				if err != nil {
					return err
				}
				unit.AddDelegate(filter)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			lines := make(chan string)
			go func() {
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- sc.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-stop:
					group.Drain()
					return nil
				case line, ok := <-lines:
					if !ok {
						group.Drain()
						return nil
					}
					if line == "" {
						continue
					}
					unit.Enqueue(&protocol.Log{
						Type:       "event",
						Properties: map[string]string{"message": line},
					}, protocol.FlagsDefault)
				}
			}
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().String("endpoint", "", "Ingestion endpoint (overrides config)")
	cmd.Flags().String("app-secret", "", "App secret (overrides config)")
	cmd.Flags().String("group", "default", "Group id to enqueue into")
	cmd.Flags().String("filter", "", "CEL expression; matching records are dropped")
	return cmd
}

func countCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Print staged record counts per configured group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir})
			if err != nil {
				return err
			}
			defer db.Close()
			store := logstore.New(db, newLogger(cfg))
			defer store.Close()
			for _, g := range cfg.Groups {
				n, err := store.Count(g.GroupID)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%d\n", g.GroupID, n)
			}
			return nil
		},
	}
	addCommonFlags(cmd)
	return cmd
}

func groupConfig(cfg cfgpkg.Config, groupID string) cfgpkg.GroupConfig {
	for _, g := range cfg.Groups {
		if g.GroupID == groupID {
			return g
		}
	}
	gc := cfgpkg.Default().Groups[0]
	gc.GroupID = groupID
	return gc
}

// printDelegate reports delivery outcomes on stdout.
type printDelegate struct {
	channel.BaseDelegate
}

func (printDelegate) DidSucceedSendingLog(rec *protocol.Log) {
	fmt.Printf("sent\t%s\n", rec.ID)
}

func (printDelegate) DidFailSendingLog(rec *protocol.Log, reason error) {
	fmt.Printf("failed\t%s\t%v\n", rec.ID, reason)
}
