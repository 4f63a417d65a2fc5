package main

import (

	"github.com/spf13/cobra"

	"github.com/sells-group/health-dataset-builder/internal/publish"
)

var publishCmd = &cobra.Command{
	Use:   "publish <dataset-id>",
	Short: "Bundle the latest build of a dataset and upload it to the object store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("publish"); err != nil {
			return err
		}
		objects, err := publish.NewMinioObjects(cfg.Publish)
		if err != nil {
			return err
		}
		res, err := publish.NewPublisher(objects, cfg.Publish, cfg.Paths).Publish(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}
