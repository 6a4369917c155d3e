package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/config"
	"github.com/snowflk/erpmirror/internal/reader"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/sqlite"
	"github.com/snowflk/erpmirror/internal/replication/state"
	"github.com/snowflk/erpmirror/internal/scheduler"
	"github.com/snowflk/erpmirror/internal/server"
	"github.com/urfave/cli/v2"
)

// runCommand replicates until SIGINT or SIGTERM. Cycle failures are logged
// and never stop the process; only startup errors make it exit non-zero.
func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	sched, err := scheduler.New(p.replicator.RunCycle, scheduler.Options{
		Interval:   cfg.Schedule.Interval,
		RunOnStart: cfg.Schedule.RunOnStart,
		Logger:     log.StandardLogger(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	srvErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		opts := server.Options{
			Addr:           cfg.HTTP.Addr,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			QueryTimeout:   cfg.HTTP.QueryTimeout,
			Stats:          sched,
			Logger:         log.StandardLogger(),
		}
		if p.keeper != nil {
			opts.History = p.keeper
		}
		srv := server.New(reader.New(p.store, log.StandardLogger()), opts)
		go func() {
			err := srv.ListenAndServe(ctx)
			if err != nil {
				cancel()
			}
			srvErr <- err
		}()
	} else {
		srvErr <- nil
	}

	log.WithFields(log.Fields{
		"interval": cfg.Schedule.Interval,
		"tables":   len(cfg.Tables),
		"source":   cfg.Source.Kind,
		"store":    cfg.Store.Kind,
	}).Info("replicator started")
	if err := sched.Run(ctx); err != nil {
		return err
	}
	cancel()
	if err := <-srvErr; err != nil {
		return errors.Wrap(err, "reader API")
	}
	stats := sched.Stats()
	log.WithFields(log.Fields{"runs": stats.Runs, "failures": stats.Failures}).Info("replicator stopped")
	return nil
}

func onceCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := p.replicator.RunCycle(ctx); err != nil {
		return errors.Wrap(err, "replication cycle failed")
	}
	if snap := p.store.Current(); snap != nil {
		return printJSON(snap.Meta)
	}
	return nil
}

// queryCommand reads the published snapshot file, so it works while another
// process is running the replicator.
func queryCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one SQL argument")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Store.Kind != config.StoreFile || cfg.Store.PublishedName == "" {
		return errors.New("query needs the file store with a published name")
	}
	path := filepath.Join(cfg.Store.Dir, cfg.Store.PublishedName)
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(replication.ErrNoSnapshot, path)
	}
	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.QueryTimeout)
	defer cancel()
	meta, err := sqlite.ReadMeta(ctx, db)
	if err != nil {
		_ = db.Close()
		return errors.Wrapf(err, "reading %s", path)
	}
	snap := replication.NewSnapshot(meta, db, db.Close)
	defer snap.Retire()

	res, err := reader.New(nil, log.StandardLogger()).QuerySnapshot(ctx, snap, reader.SQL(c.Args().First()))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func statusCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.State.Path == "" {
		return errors.New("no state file configured")
	}
	keeper, err := state.Open(cfg.State.Path, cfg.State.Timeout)
	if err != nil {
		return errors.Wrap(err, "opening history, a running replicator holds it (see GET /status)")
	}
	defer keeper.Close()

	records, err := keeper.Recent(c.Int("limit"))
	if err != nil {
		return err
	}
	out := struct {
		Cycles      []state.CycleRecord `json:"cycles"`
		LastSuccess *state.CycleRecord  `json:"last_success,omitempty"`
	}{Cycles: records}
	if last, err := keeper.LastSuccess(); err == nil {
		out.LastSuccess = &last
	} else if err != state.ErrNoSuccess {
		return err
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "printing result")
	}
	return nil
}
