package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/syncstream/syncstream/internal/common"
	"github.com/syncstream/syncstream/internal/syncstream"
	"github.com/syncstream/syncstream/internal/syncstream/benchmark"
	"github.com/syncstream/syncstream/internal/syncstream/configuration"
	"github.com/syncstream/syncstream/internal/syncstream/source"
)

const (
	CustomConfigLocation = "config"
	Benchmark            = "bench"
)

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Bool(Benchmark, false, "Run pipeline benchmarks with synthetic load instead of the application")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.SyncStreamConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/syncstream", userSpecifiedConfigs)

	if viper.GetBool(Benchmark) {
		log.Info("Running pipeline benchmarks")
		benchmark.RunBenchmark(&config)
		return
	}

	if err := syncstream.Run(&config, source.NewStdinSource()); err != nil {
		log.WithError(err).Fatal("syncstream terminated with error")
	}
}
