package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout accepted by `synthctl seed`
type seedFile struct {
	Messages []struct {
		Text string `yaml:"text"`
		Mode string `yaml:"mode"`
	} `yaml:"messages"`
	Communities []struct {
		ID      int64    `yaml:"id"`
		Summary string   `yaml:"summary"`
		Members []string `yaml:"members"`
	} `yaml:"communities"`
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &sf, nil
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Ingest messages and community assignments from a YAML file",
		Long: `Seed reads a YAML file with two optional lists:

  messages:     [{text, mode}]            indexed synchronously, in order
  communities:  [{id, summary, members}]  stored after all messages

Community members are entity names; they are normalised the same way
extracted entities are.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sf, err := loadSeedFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eng, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(eng)

			out := cmd.OutOrStdout()
			for i, m := range sf.Messages {
				mode := m.Mode
				if mode == "" {
					mode = "default"
				}
				if _, err := eng.Ingest(ctx, m.Text, mode); err != nil {
					return fmt.Errorf("message %d: %w", i+1, err)
				}
			}
			for _, c := range sf.Communities {
				if err := eng.AssignCommunity(ctx, c.ID, c.Summary, c.Members); err != nil {
					return fmt.Errorf("community %d: %w", c.ID, err)
				}
			}

			fmt.Fprintf(out, "seeded %d messages, %d communities\n", len(sf.Messages), len(sf.Communities))
			return nil
		},
	}
}
