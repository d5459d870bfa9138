package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/trainer/internal/client"
	"github.com/CZERTAINLY/trainer/internal/model"
)

var (
	flagServer string

	flagDataset   string
	flagEpochs    int
	flagBatchSize int
	flagImageSize int
	flagModel     string

	flagFollow bool
	flagLimit  int
)

func init() {
	for _, cmd := range []*cobra.Command{startCmd, stopCmd, logCmd, statusCmd, jobsCmd} {
		cmd.Flags().StringVar(&flagServer, "server", "", "trainer server URL, default is derived from service.addr")
	}

	startCmd.Flags().StringVar(&flagDataset, "dataset", "", "dataset directory, absolute or relative to train.datasets_root")
	startCmd.Flags().IntVar(&flagEpochs, "epochs", 0, "number of epochs, default from train.defaults")
	startCmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "batch size, default from train.defaults")
	startCmd.Flags().IntVar(&flagImageSize, "img-size", 0, "image size, default from train.defaults")
	startCmd.Flags().StringVar(&flagModel, "model", "", "model variant (n, s, m, l, x), default from train.defaults")
	_ = startCmd.MarkFlagRequired("dataset")

	logCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep printing appended output")
	jobsCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum number of jobs to list")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start submits a training job to the server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.Start(cmd.Context(), model.TrainRequest{
			Dataset: flagDataset,
			Params: model.TrainParams{
				Epochs:    flagEpochs,
				BatchSize: flagBatchSize,
				ImageSize: flagImageSize,
				Model:     flagModel,
			},
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop kills the running training job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.Stop(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(resp); err != nil {
			return err
		}
		if resp.Status == model.StopError {
			return fmt.Errorf("stop failed: %s", resp.Msg)
		}
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "log prints the training log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if flagFollow {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return c.Follow(ctx, os.Stdout)
		}
		content, err := c.Log(cmd.Context())
		if err != nil {
			return err
		}
		_, err = fmt.Print(content)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "status shows the current training job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "jobs lists the training history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		jobs, err := c.Jobs(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}

func newClient() (*client.Client, error) {
	url := flagServer
	if url == "" {
		url = serverURL(config.Service.Addr)
	}
	return client.New(url)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
