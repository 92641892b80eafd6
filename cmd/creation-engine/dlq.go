package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/queue"
)

func newDLQCmd() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay failed jobs",
	}

	open := func() (*config.Config, *queue.RedisClient, *queue.DeadLetterQueue, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, nil, err
		}
		if !cfg.Queue.Enabled || cfg.Queue.DLQStream == "" {
			return nil, nil, nil, fmt.Errorf("queue and queue.dlq_stream must be configured")
		}
		rc, err := openRedis(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return cfg, rc, queue.NewDeadLetterQueue(rc, cfg.Queue.DLQStream), nil
	}

	listCmd := &cobra.Command{
		Use:   "list [count]",
		Short: "List the newest dead letters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 20
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid count %q", args[0])
				}
				count = n
			}
			_, rc, dlq, err := open()
			if err != nil {
				return err
			}
			defer rc.Close()

			total, err := dlq.Count(cmd.Context())
			if err != nil {
				return err
			}
			letters, err := dlq.List(cmd.Context(), count)
			if err != nil {
				return err
			}
			fmt.Printf("%d dead letters\n", total)
			for _, l := range letters {
				fmt.Printf("%s  %s  stage=%s retryable=%t  %s\n", l.DLQID, l.Job.ID, l.Stage, l.Retryable, l.Error)
			}
			return nil
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <dlq-id>",
		Short: "Republish a dead letter to the job stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rc, dlq, err := open()
			if err != nil {
				return err
			}
			defer rc.Close()
			if err := dlq.Retry(cmd.Context(), args[0], cfg.Queue.Stream); err != nil {
				return err
			}
			fmt.Printf("✓ %s requeued\n", args[0])
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <dlq-id>",
		Short: "Remove a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rc, dlq, err := open()
			if err != nil {
				return err
			}
			defer rc.Close()
			return dlq.Delete(cmd.Context(), args[0])
		},
	}

	dlqCmd.AddCommand(listCmd, retryCmd, deleteCmd)
	return dlqCmd
}
