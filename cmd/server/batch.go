package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lh20005/geo-xi-tong-sub013/internal/server"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/scheduler"
)

// withComponents runs fn against the wired core without starting the
// scheduler. Work submitted here is picked up by a running server's discovery.
func withComponents(fn func(ctx context.Context, c *server.Components) error) error {
	cfg, appLogger, err := loadConfig()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	c, err := server.BuildComponents(cfg, appLogger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer c.Close(ctx)

	return fn(ctx, c)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage publishing batches",
	}

	var req scheduler.BatchRequest
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Queue articles as one ordered batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *server.Components) error {
				batchID, err := c.Scheduler.SubmitBatch(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"batch_id": batchID, "tasks": len(req.ArticleIDs)})
			})
		},
	}
	submit.Flags().StringVarP(&req.OwnerUserID, "user", "u", "", "owner user id")
	submit.Flags().StringVarP(&req.PlatformID, "platform", "p", "", "platform id")
	submit.Flags().StringVarP(&req.AccountID, "account", "a", "", "platform account id")
	submit.Flags().StringSliceVar(&req.ArticleIDs, "articles", nil, "article ids in publishing order")
	submit.Flags().IntVarP(&req.IntervalMinutes, "interval", "i", 0, "minutes between one task finishing and the next starting")
	_ = submit.MarkFlagRequired("user")
	_ = submit.MarkFlagRequired("platform")
	_ = submit.MarkFlagRequired("account")
	_ = submit.MarkFlagRequired("articles")

	stop := &cobra.Command{
		Use:   "stop <batch-id>",
		Short: "Cancel the remaining tasks of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *server.Components) error {
				n, err := c.Scheduler.StopBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"batch_id": args[0], "cancelled_tasks": n})
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <batch-id>",
		Short: "Stop a batch and delete its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *server.Components) error {
				n, err := c.Scheduler.DeleteBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"batch_id": args[0], "deleted_tasks": n})
			})
		},
	}

	info := &cobra.Command{
		Use:   "info <batch-id>",
		Short: "Show task counts of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *server.Components) error {
				stats, err := c.Scheduler.BatchInfo(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}

	cmd.AddCommand(submit, stop, del, info)
	return cmd
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect publishing tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *server.Components) error {
				task, err := c.Scheduler.GetTaskStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	})
	return cmd
}

func newTOTPCmd() *cobra.Command {
	var issuer, account string
	cmd := &cobra.Command{
		Use:   "totp-secret",
		Short: "Generate a secret for server.totp_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, url, err := service.GenerateSecret(issuer, account)
			if err != nil {
				return err
			}
			fmt.Printf("Secret: %s\n", secret)
			fmt.Printf("URL:    %s\n", url)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "Publisher", "issuer shown in the authenticator app")
	cmd.Flags().StringVar(&account, "account", "admin", "account name shown in the authenticator app")
	return cmd
}
