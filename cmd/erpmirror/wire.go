package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/config"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/detect"
	"github.com/snowflk/erpmirror/internal/replication/memstore"
	"github.com/snowflk/erpmirror/internal/replication/replicator"
	"github.com/snowflk/erpmirror/internal/replication/source"
	"github.com/snowflk/erpmirror/internal/replication/sqlitestore"
	"github.com/snowflk/erpmirror/internal/replication/state"
	"github.com/urfave/cli/v2"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			log.WithField("signal", sig.String()).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigs)
	}()
	return ctx, cancel
}

func newSource(cfg *config.Config, logger log.FieldLogger) (replication.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceDownload:
		return source.NewDownloadSource(source.DownloadOptions{
			URL:     cfg.Source.URL,
			Timeout: cfg.Source.Timeout,
		}, logger), nil
	default:
		src, err := source.NewSQLSource(source.Options{
			Driver:   cfg.Source.Driver,
			Host:     cfg.Source.Host,
			Port:     cfg.Source.Port,
			User:     cfg.Source.User,
			Password: cfg.Source.Password,
			Database: cfg.Source.Database,
			DSN:      cfg.Source.DSN,
			Timeout:  cfg.Source.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func newDetector(cfg *config.Config, src replication.Source, logger log.FieldLogger) (replication.Detector, error) {
	switch cfg.Detector.Kind {
	case config.DetectorETag:
		return detect.NewETag(cfg.DetectorURL(), cfg.Detector.Timeout, logger), nil
	case config.DetectorFile:
		return detect.NewFile(cfg.Detector.Path, logger), nil
	case config.DetectorQuery:
		sqlSrc, ok := src.(*source.SQLSource)
		if !ok {
			return nil, errors.New("query detector needs an sql source")
		}
		return detect.NewQuery(sqlSrc.DB(), cfg.Detector.Query, cfg.Detector.Timeout, logger), nil
	default:
		return detect.Always{}, nil
	}
}

func newStore(cfg *config.Config, logger log.FieldLogger) (replication.Store, error) {
	if cfg.Store.Kind == config.StoreMemory {
		return memstore.New(memstore.Options{Specs: cfg.Tables, Logger: logger}), nil
	}
	store, err := sqlitestore.Open(sqlitestore.Options{
		Dir:           cfg.Store.Dir,
		PublishedName: cfg.Store.PublishedName,
		Specs:         cfg.Tables,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// pipeline holds everything a replication cycle needs.
type pipeline struct {
	source     replication.Source
	store      replication.Store
	keeper     *state.Keeper
	replicator *replicator.Replicator
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	logger := log.StandardLogger()
	p := &pipeline{}
	var err error
	if p.source, err = newSource(cfg, logger); err != nil {
		return nil, errors.Wrap(err, "source")
	}
	detector, err := newDetector(cfg, p.source, logger)
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "detector")
	}
	if p.store, err = newStore(cfg, logger); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "store")
	}
	rcfg := replicator.Config{
		Specs:    cfg.Tables,
		Source:   p.source,
		Store:    p.store,
		Detector: detector,
		Logger:   logger,
	}
	if cfg.State.Path != "" {
		if p.keeper, err = state.Open(cfg.State.Path, cfg.State.Timeout); err != nil {
			p.Close()
			return nil, errors.Wrap(err, "state")
		}
		rcfg.Recorder = p.keeper
	}
	if p.replicator, err = replicator.New(rcfg); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) Close() {
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			log.WithError(err).Warn("closing store")
		}
	}
	if p.source != nil {
		if err := p.source.Close(); err != nil {
			log.WithError(err).Warn("closing source")
		}
	}
	if p.keeper != nil {
		if err := p.keeper.Close(); err != nil {
			log.WithError(err).Warn("closing state")
		}
	}
}
