// Command pgdriver is a small demo CLI exercising the driver against a
// real backend: it connects, runs a query inside a transaction, and
// serves Prometheus metrics while it does so.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevdschee/pgdriver/config"
	"github.com/mevdschee/pgdriver/conn"
	"github.com/mevdschee/pgdriver/metrics"
	"github.com/mevdschee/pgdriver/pgerror"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	query := flag.String("query", "select 1", "Query to run once connected")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx := ctx
	if cfg.Connect.ConnectTimeout > 0 {
		var cancelConnect context.CancelFunc
		connectCtx, cancelConnect = context.WithTimeout(ctx, time.Duration(cfg.Connect.ConnectTimeout)*time.Second)
		defer cancelConnect()
	}
	c, err := conn.Connect(connectCtx, cfg.DSN, conn.Options{
		Autocommit:       cfg.Connect.Autocommit,
		PrepareThreshold: cfg.Prepare.Threshold,
		MaxPrepared:      cfg.Prepare.MaxPrepared,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close(ctx)

	c.AddNoticeHandler(func(pe *pgerror.PgError) {
		log.Printf("[notice] %s: %s", pe.Severity, pe.Message)
	})

	err = c.Transaction(ctx, func(ctx context.Context) error {
		cur, err := c.Cursor(ctx, *query, nil, nil, false)
		if err != nil {
			return err
		}
		for cur.Next() {
			row, err := cur.Row()
			if err != nil {
				return err
			}
			log.Printf("row: %v", row)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("query failed: %v", err)
	}

	log.Println("pgdriver demo ready. Press Ctrl+C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")
}
