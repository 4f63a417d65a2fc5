package main

import (

	"github.com/spf13/cobra"

	"github.com/sells-group/health-dataset-builder/internal/registry"
)

type datasetSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	RefreshCron string `json:"refresh_cron"`
	Continuous  bool   `json:"continuous"`
}

func summarize(reg *registry.Registry) []datasetSummary {
	out := make([]datasetSummary, 0, len(reg.Datasets))
	for _, d := range reg.All() {
		out = append(out, datasetSummary{
			ID:          d.ID,
			Title:       d.Title,
			Description: d.Description,
			RefreshCron: d.RefreshCron,
			Continuous:  d.Continuous.Enabled,
		})
	}
	return out
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered datasets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.Load(cfg.Paths.RegistryPath)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summarize(reg))
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <dataset-id>",
	Short: "Validate the latest gold table of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initBuild(cmd.Context(), "build")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Builder.ValidateOutputs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var exportOMOPCmd = &cobra.Command{
	Use:   "export-omop <dataset-id>",
	Short: "Regenerate OMOP tables from the latest gold table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initBuild(cmd.Context(), "build")
		if err != nil {
			return err
		}
		defer env.Close()

		paths, err := env.Builder.ExportOMOP(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), paths)
	},
}

var exportFHIRCmd = &cobra.Command{
	Use:   "export-fhir <dataset-id>",
	Short: "Regenerate the FHIR bundle from the latest gold table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initBuild(cmd.Context(), "build")
		if err != nil {
			return err
		}
		defer env.Close()

		path, err := env.Builder.ExportFHIR(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"fhir": path})
	},
}

func init() {
	rootCmd.AddCommand(listCmd, validateCmd, exportOMOPCmd, exportFHIRCmd)
}
