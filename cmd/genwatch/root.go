package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-genclient/internal/platform/envutil"
	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

type rootFlags struct {
	configPath string
	logMode    string
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "genwatch",
		Short:         "Trigger and follow content generation workflow runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a genclient YAML config")
	root.PersistentFlags().StringVar(&flags.logMode, "log-mode", envutil.String("LOG_MODE", "development"), "Logger mode (development, production, test)")

	root.AddCommand(
		watchCmd(flags),
		resumeCmd(flags),
		devrunnerCmd(flags),
	)
	return root
}

func (f *rootFlags) logger() (*logger.Logger, error) {
	log, err := logger.New(f.logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}
