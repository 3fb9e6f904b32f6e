package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdbuild "github.com/osforge/ffubuilder/cmd/build"
	cmdcheckpoint "github.com/osforge/ffubuilder/cmd/checkpoint"
	cmdcore "github.com/osforge/ffubuilder/cmd/core"
	cmdothers "github.com/osforge/ffubuilder/cmd/others"
	"github.com/osforge/ffubuilder/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ffubuilder",
		Short: "ffubuilder - resumable Windows FFU image builds",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("build-dir", "", "base directory for build artifacts and state")
	cmd.PersistentFlags().String("iso", "", "Windows installation ISO path")
	cmd.PersistentFlags().String("usb-target", "", "mounted USB stick for deployment media")

	_ = viper.BindPFlag("build_dir", cmd.PersistentFlags().Lookup("build-dir"))
	_ = viper.BindPFlag("iso_path", cmd.PersistentFlags().Lookup("iso"))
	_ = viper.BindPFlag("usb_target", cmd.PersistentFlags().Lookup("usb-target"))

	viper.SetEnvPrefix("FFUBUILDER")
	viper.AutomaticEnv()

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	for _, c := range cmdbuild.Commands(cmdbuild.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdcheckpoint.Commands(cmdcheckpoint.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	// Config structs carry json tags only; point the decoder at them so
	// flag, env, and config-file keys actually land in the struct.
	if err := viper.Unmarshal(conf, func(dc *mapstructure.DecoderConfig) { dc.TagName = "json" }); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 300 //nolint:mnd
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// newCommandContext cancels on SIGTERM. SIGINT is left to the build command,
// which turns the first Ctrl-C into a cooperative cancel instead of an abort.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM)
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
