package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turbolytics/observer/internal/archiver"
	"github.com/turbolytics/observer/internal/config"
	"github.com/turbolytics/observer/internal/preserver"
	"github.com/turbolytics/observer/internal/server"
	"github.com/turbolytics/observer/pkg/oplog"
)

func newTailCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:     "tail",
		Short:   "Prints oplog inserts, updates and deletes as JSON lines",
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if v := viper.GetString("namespace"); v != "" {
				c.Oplog.Namespace = v
			}
			if viper.GetBool("archive") {
				c.Archive.Enabled = true
			}
			if err := c.Validate(); err != nil {
				return err
			}

			logger, err := config.NewLogger(c.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync()
			l := logger.Named("observer.tail")

			ctx := cmd.Context()
			client, err := config.NewMongoClient(ctx, c.Mongo)
			if err != nil {
				return err
			}
			defer client.Disconnect(context.WithoutCancel(ctx))

			handlers := oplog.Handlers{
				preserver.NewStdout(preserver.WithWriter(cmd.OutOrStdout())),
			}

			var arch *archiver.Archiver
			if c.Archive.Enabled {
				arch, err = config.NewArchiver(c.Archive, c.Oplog.Namespace, l.Named("archive"))
				if err != nil {
					return err
				}
				handlers = append(handlers, arch)
				defer func() {
					if err := arch.Close(context.WithoutCancel(ctx)); err != nil {
						l.Error("closing archive", zap.Error(err))
					}
				}()
			}

			checkpointer, err := config.NewCheckpointer(c.Observer.Checkpoint, l)
			if err != nil {
				return err
			}

			o, err := oplog.NewObserver(ctx,
				config.NewMongoLog(client, c.Oplog, l),
				oplog.NewDispatcher(handlers, oplog.DispatcherWithLogger(l)),
				oplog.WithID(c.Observer.ID),
				oplog.WithNamespace(c.Oplog.Namespace),
				oplog.WithPollInterval(c.Observer.PollInterval),
				oplog.WithCheckpointer(checkpointer, c.Observer.Checkpoint.Every),
				oplog.WithLogger(l),
			)
			if err != nil {
				return err
			}

			if addr := viper.GetString("addr"); addr != "" {
				opts := []server.Option{server.WithLogger(l), server.WithObserver(o)}
				if arch != nil {
					opts = append(opts, server.WithRoutes(arch.RegisterRoutes))
				}
				s := server.New(opts...)
				go func() {
					if err := s.Start(ctx, addr); err != nil {
						l.Error("server error", zap.Error(err))
					}
				}()
			}

			return ignoreShutdown(o.Observe(ctx))
		},
	}

	cmd.Flags().StringP("namespace", "n", "", "Only observe this db.collection")
	cmd.Flags().StringP("id", "i", "", "Observer id, used for checkpoints")
	cmd.Flags().Bool("archive", false, "Also archive records to parquet")
	cmd.Flags().String("addr", "", "Serve observer stats on this address")
	return cmd
}

func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, oplog.ErrStopObservation) {
		return nil
	}
	return err
}
