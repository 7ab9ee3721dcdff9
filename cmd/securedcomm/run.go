package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/houseofcat/securedcomm/pkg/config"
	"github.com/houseofcat/securedcomm/pkg/metrics"
	"github.com/houseofcat/securedcomm/pkg/queue"
	"github.com/houseofcat/securedcomm/pkg/service"
	"github.com/houseofcat/securedcomm/pkg/utils"
)

// setup loads the environment and configuration and starts the queue.
func setup(ctx context.Context, c *cli.Context, opts ...service.Option) (*service.Service, *zap.SugaredLogger, error) {

	sugar, err := utils.NewSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return nil, nil, err
	}

	loaded, err := utils.LoadEnvFile(c.String("env-file"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load env file: %w", err)
	}

	seasoning, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	sugar.Infow("config",
		"config", c.String("config"),
		"envFileLoaded", loaded,
		"uri", seasoning.QueueConfig.URI,
		"exchange", seasoning.QueueConfig.ExchangeName,
		"queue", seasoning.QueueConfig.QueueName,
		"encrypted", seasoning.QueueConfig.Encrypted,
		"wrapped", seasoning.QueueConfig.Wrapped)

	svc, err := service.New(ctx, seasoning, append(opts, service.WithLogger(sugar))...)
	if err != nil {
		return nil, nil, err
	}

	if err := svc.Start(ctx); err != nil {
		svc.Close() //nolint:errcheck
		return nil, nil, err
	}

	return svc, sugar, nil
}

func publish(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, sugar, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer sugar.Desugar().Sync() //nolint:errcheck
	defer svc.Close()            //nolint:errcheck

	messages := c.StringSlice("message")
	if len(messages) == 0 {
		scanner := bufio.NewScanner(c.App.Reader)
		for scanner.Scan() {
			messages = append(messages, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}

	published := 0
	for i := 0; i < c.Int("count"); i++ {
		for _, message := range messages {
			if err := svc.Publish(ctx, message); err != nil {
				return err
			}
			published++
		}
	}

	sugar.Infow("published", "count", published)

	return nil
}

func listen(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, sugar, err := setup(ctx, c, service.WithRegisterer(registry))
	if err != nil {
		return err
	}
	defer sugar.Desugar().Sync() //nolint:errcheck
	defer svc.Close()            //nolint:errcheck

	if timeout := c.Duration("timeout"); timeout > 0 {
		err := svc.Queue().DequeueWithTimeout(ctx, func(payload []byte) {
			fmt.Fprintln(c.App.Writer, string(payload))
		}, timeout)
		if errors.Is(err, queue.ErrDequeueTimeout) {
			sugar.Infow("no message before timeout", "timeout", timeout)
			return nil
		}
		return err
	}

	sub, err := queue.Subscribe(ctx, svc.Queue())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer sub.Cancel(context.Background()) //nolint:errcheck
		for {
			select {
			case <-gctx.Done():
				return nil
			case payload, ok := <-sub.Messages():
				if !ok {
					return nil
				}
				fmt.Fprintln(c.App.Writer, string(payload))
			}
		}
	})

	if c.Bool("metrics") || svc.Config.MetricsConfig.Enabled {
		addr := c.String("metrics-addr")
		if !c.IsSet("metrics-addr") && svc.Config.MetricsConfig.Addr != "" {
			addr = svc.Config.MetricsConfig.Addr
		}

		server := metrics.NewServer(addr, registry)
		sugar.Infow("serving metrics", "addr", addr)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	sugar.Infow("listening", "consumerTag", sub.Tag())

	return g.Wait()
}
