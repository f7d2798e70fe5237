package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/ollama/tuner/adapter"
	"github.com/ollama/tuner/config"
	"github.com/ollama/tuner/envconfig"
	"github.com/ollama/tuner/evaluate"
	"github.com/ollama/tuner/format"
	"github.com/ollama/tuner/logutil"
	"github.com/ollama/tuner/model"
)

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// ValidateHandler loads a run configuration and applies the checks of its
// model family.
func ValidateHandler(cmd *cobra.Command, args []string) error {
	path := envconfig.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	family, ok := model.Lookup(cfg.ModelFamily)
	if !ok {
		return fmt.Errorf("unsupported model family %q, expected one of %s", cfg.ModelFamily, strings.Join(model.Families(), ", "))
	}

	if cfg.ModelFlavor == "" {
		cfg.ModelFlavor = family.DefaultFlavor
	}

	if cfg.PretrainedModelNameOrPath == "" {
		p, ok := family.Flavors[cfg.ModelFlavor]
		if !ok {
			return fmt.Errorf("unknown %s flavor %q", cfg.ModelFamily, cfg.ModelFlavor)
		}
		cfg.PretrainedModelNameOrPath = p
	}

	logger := logutil.NewLogger(cmd.ErrOrStderr(), envconfig.Level())
	if family.CheckUserConfig != nil {
		if err := family.CheckUserConfig(cfg, logger); err != nil {
			return err
		}
	}

	if _, err := evaluate.FromConfig(cfg, true, noEmbedder{}); err != nil {
		return err
	}

	if out, _ := cmd.Flags().GetString("output"); out != "" {
		if err := cfg.Save(out); err != nil {
			return err
		}
		logger.Info("wrote validated config", "path", out)
	}

	t5MaxLength := "unset"
	if cfg.TokenizerMaxLength != nil {
		t5MaxLength = strconv.Itoa(*cfg.TokenizerMaxLength)
	}

	t5Uncond := "unset"
	if cfg.SD3T5UncondBehaviour != nil {
		t5Uncond = *cfg.SD3T5UncondBehaviour
	}

	table := newTable(cmd.OutOrStdout())
	table.AppendBulk([][]string{
		{"model_family", cfg.ModelFamily},
		{"model_flavor", cfg.ModelFlavor},
		{"pretrained_model_name_or_path", cfg.PretrainedModelNameOrPath},
		{"weight_dtype", cfg.WeightDType().String()},
		{"base_weight_dtype", cfg.BaseWeightDType().String()},
		{"tokenizer_max_length", t5MaxLength},
		{"aspect_bucket_alignment", strconv.Itoa(cfg.AspectBucketAlignment)},
		{"t5_padding", cfg.T5Padding},
		{"sd3_clip_uncond_behaviour", cfg.SD3ClipUncondBehaviour},
		{"sd3_t5_uncond_behaviour", t5Uncond},
		{"train_text_encoder", strconv.FormatBool(cfg.TrainTextEncoder)},
	})
	table.Render()
	return nil
}

// noEmbedder lets validation check the evaluator selection without loading
// an embedding model.
type noEmbedder struct {
	evaluate.Embedder
}

type componentSummary struct {
	tensors int
	params  uint64
	size    int64
	layout  adapter.Layout
}

func summarize(sd adapter.StateDict) map[string]*componentSummary {
	groups := make(map[string]adapter.StateDict)
	for k, v := range sd {
		prefix, _, ok := strings.Cut(k, ".")
		if !ok {
			prefix = "other"
		}

		if groups[prefix] == nil {
			groups[prefix] = make(adapter.StateDict)
		}
		groups[prefix][k] = v
	}

	summaries := make(map[string]*componentSummary, len(groups))
	for prefix, group := range groups {
		s := componentSummary{tensors: len(group), params: group.NumParams(), layout: adapter.DetectLayout(group)}
		for _, t := range group {
			s.size += int64(len(t.Bytes()))
		}
		summaries[prefix] = &s
	}

	return summaries
}

// ListLoRAHandler summarizes the adapter checkpoints in each directory.
func ListLoRAHandler(cmd *cobra.Command, args []string) error {
	var data [][]string
	for _, dir := range args {
		c, err := adapter.LoadCheckpoint(dir)
		if err != nil {
			return err
		}

		summaries := summarize(c.StateDict)
		components := maps.Keys(summaries)
		slices.Sort(components)

		for _, name := range components {
			s := summaries[name]
			data = append(data, []string{
				c.Path,
				name,
				strconv.Itoa(s.tensors),
				format.HumanNumber(s.params),
				format.HumanBytes(s.size),
				s.layout.String(),
			})
		}
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"PATH", "COMPONENT", "TENSORS", "PARAMETERS", "SIZE", "LAYOUT"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

// ListModelsHandler lists the registered model families.
func ListModelsHandler(cmd *cobra.Command, args []string) error {
	var data [][]string
	for _, name := range model.Families() {
		family, _ := model.Lookup(name)
		flavors := maps.Keys(family.Flavors)
		slices.Sort(flavors)

		var pipelines []string
		for _, pt := range []model.PipelineType{model.PipelineText2Img, model.PipelineImg2Img, model.PipelineControlNet} {
			if _, ok := family.Pipelines[pt]; ok {
				pipelines = append(pipelines, string(pt))
			}
		}

		for _, flavor := range flavors {
			isDefault := ""
			if flavor == family.DefaultFlavor {
				isDefault = "yes"
			}

			data = append(data, []string{
				name,
				flavor,
				family.Flavors[flavor],
				strings.Join(pipelines, ","),
				strings.Join(family.LoraTarget, ","),
				isDefault,
			})
		}
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"FAMILY", "FLAVOR", "PATH", "PIPELINES", "LORA TARGET", "DEFAULT"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

// EnvHandler prints the environment variables the trainer reads.
func EnvHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()
	names := maps.Keys(vars)
	slices.Sort(names)

	var data [][]string
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{name, fmt.Sprintf("%v", v.Value), v.Description})
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tuner",
		Short: "Diffusion model fine-tuning tools",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.Level()))
		},
	}

	cobra.EnableCommandSorting = false

	validateCmd := &cobra.Command{
		Use:   "validate [CONFIG]",
		Short: "Validate a run configuration",
		Long:  "Load a run configuration and apply the checks and overrides of its model family",
		Args:  cobra.MaximumNArgs(1),
		RunE:  ValidateHandler,
	}

	validateCmd.Flags().StringP("output", "o", "", "Write the validated configuration to this path")

	loraCmd := &cobra.Command{
		Use:   "lora",
		Short: "Inspect LoRA checkpoints",
	}

	loraListCmd := &cobra.Command{
		Use:     "list DIR [DIR...]",
		Aliases: []string{"ls"},
		Short:   "Summarize the LoRA weights saved in checkpoint directories",
		Args:    cobra.MinimumNArgs(1),
		RunE:    ListLoRAHandler,
	}

	loraCmd.AddCommand(loraListCmd)

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List supported model families",
		Args:  cobra.NoArgs,
		RunE:  ListModelsHandler,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment settings",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(
		validateCmd,
		loraCmd,
		modelsCmd,
		envCmd,
	)

	return rootCmd
}
