package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turbolytics/observer/internal/config"
	"github.com/turbolytics/observer/internal/server"
	"github.com/turbolytics/observer/pkg/mirror"
	"github.com/turbolytics/observer/pkg/oplog"
)

func newMirrorCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:     "mirror",
		Short:   "Keeps an in-memory mirror of a collection and serves it over HTTP",
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if v := viper.GetString("database"); v != "" {
				c.Mirror.Database = v
			}
			if v := viper.GetString("collection"); v != "" {
				c.Mirror.Collection = v
			}
			if v := viper.GetString("addr"); v != "" {
				c.Mirror.Addr = v
			}
			if err := c.Validate(); err != nil {
				return err
			}
			ns := c.MirrorNamespace()
			if ns == "" {
				return fmt.Errorf("mirror requires a database and collection")
			}

			logger, err := config.NewLogger(c.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync()
			l := logger.Named("observer.mirror")

			ctx := cmd.Context()
			client, err := config.NewMongoClient(ctx, c.Mongo)
			if err != nil {
				return err
			}
			defer client.Disconnect(context.WithoutCancel(ctx))

			opts := []mirror.Option{mirror.WithLogger(l)}
			var routes []server.Option

			publisher, err := config.NewPublisher(c.Kafka, l.Named("kafka"))
			if err != nil {
				return err
			}
			if publisher != nil {
				if err := publisher.Connect(ctx); err != nil {
					return err
				}
				defer publisher.Close(context.WithoutCancel(ctx))
				opts = append(opts, mirror.WithListener(publisher))
				routes = append(routes, server.WithRoutes(publisher.RegisterRoutes))
			}

			log := config.NewMongoLog(client, c.Oplog, l)
			coll := client.Database(c.Mirror.Database).Collection(c.Mirror.Collection)
			m, err := mirror.FromCollection(ctx, coll, log, opts...)
			if err != nil {
				return err
			}

			o, err := oplog.NewObserver(ctx, log, m,
				oplog.WithID(c.Observer.ID),
				oplog.WithNamespace(ns),
				oplog.WithPollInterval(c.Observer.PollInterval),
				oplog.WithLogger(l),
				oplog.WithErrorHandler(func(ctx context.Context, r oplog.Record, err error) error {
					if errors.Is(err, mirror.ErrNotFound) {
						l.Warn("record for unknown document",
							zap.String("op", r.Op.String()),
							zap.Uint32("ts", r.Timestamp.T),
							zap.Uint32("ts_inc", r.Timestamp.I),
							zap.Error(err),
						)
						return nil
					}
					return err
				}),
			)
			if err != nil {
				return err
			}

			s := server.New(append(routes,
				server.WithLogger(l),
				server.WithObserver(o),
				server.WithMirror(m),
			)...)
			go func() {
				if err := s.Start(ctx, c.Mirror.Addr); err != nil {
					l.Error("server error", zap.Error(err))
				}
			}()

			return ignoreShutdown(o.Observe(ctx))
		},
	}

	cmd.Flags().StringP("database", "d", "", "Database of the mirrored collection")
	cmd.Flags().StringP("collection", "", "", "Mirrored collection")
	cmd.Flags().StringP("id", "i", "", "Observer id")
	cmd.Flags().String("addr", "", "HTTP listen address")
	return cmd
}
