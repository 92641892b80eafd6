package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cortexhub/creation-engine/internal/logging"
	"github.com/cortexhub/creation-engine/internal/pipeline"
	"github.com/cortexhub/creation-engine/internal/queue"
)

func newRunCmd() *cobra.Command {
	var (
		file         string
		kind         string
		creationKind string
		language     string
		userID       string
		enqueue      bool
	)

	cmd := &cobra.Command{
		Use:   "run [text]",
		Short: "Run one job and print the result as JSON",
		Long: `Run one job through the pipeline and print the result as JSON.

Input is the text argument, or the contents of --file. With --enqueue the job
is published to the job stream instead of being run locally.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input []byte
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				input = data
			case len(args) == 1:
				input = []byte(args[0])
			default:
				return fmt.Errorf("provide text or --file")
			}

			inputKind, err := pipeline.ParseInputKind(strings.ToLower(kind))
			if err != nil {
				return err
			}
			job := pipeline.Job{
				UserID:       userID,
				InputKind:    inputKind,
				Input:        input,
				CreationKind: creationKind,
				Language:     language,
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Close()

			rc, err := openRedis(cfg)
			if err != nil {
				return err
			}
			if rc != nil {
				defer rc.Close()
			}

			if enqueue {
				if !cfg.Queue.Enabled {
					return fmt.Errorf("--enqueue requires queue.enabled")
				}
				msg := queue.NewJobMessage(job)
				if _, err := rc.Publish(cmd.Context(), cfg.Queue.Stream, msg.ToRedisValues()); err != nil {
					return err
				}
				fmt.Println(msg.ID)
				return nil
			}

			orch, err := pipeline.NewFromConfig(cfg, cacheStore(cfg, rc))
			if err != nil {
				return err
			}
			if err := orch.Initialize(cmd.Context()); err != nil {
				return err
			}
			defer orch.Shutdown(cmd.Context())

			res, err := orch.RunPipeline(cmd.Context(), job)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read input from file")
	cmd.Flags().StringVarP(&kind, "input", "i", string(pipeline.InputText), "input kind: text, audio or image")
	cmd.Flags().StringVarP(&creationKind, "kind", "k", pipeline.DefaultCreationKind, "creation kind")
	cmd.Flags().StringVarP(&language, "language", "l", "", "voiceover language")
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "user id")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish to the job stream instead of running locally")
	return cmd
}
