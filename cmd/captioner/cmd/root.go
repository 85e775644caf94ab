// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/captioner"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultModelsDir is where pulled models are stored.
const DefaultModelsDir = "~/.captioner/models"

var (
	cfgFile   string
	envFile   string
	modelsDir string

	Version   string
	GitCommit string
	BuildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "captioner",
	Short: "Serve a Florence-2 captioning model or manage its data",
	Long: `Start the caption service, download Florence-2 models, caption
directories of images and review the results.

Examples:
  # Run the caption server
  captioner run

  # Pull a model from the HuggingFace Hub
  captioner pull microsoft/Florence-2-large
  captioner pull --variant fp16 microsoft/Florence-2-base

  # Caption a directory through a running server
  captioner batch --dir images/ --out captions.json --csv captions.csv

  # Review and edit the captions
  captioner review --captions captions.json --csv captions.csv`,
	// Default behavior when no subcommand is provided: run the server
	RunE: runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	captioner.Version = Version
	captioner.GitCommit = GitCommit
	captioner.BuildTime = BuildTime

	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. captioner.yaml)")
	rootCmd.PersistentFlags().
		StringVar(&envFile, "env-file", ".env", "env file loaded before reading the environment")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, json, noop); defaults to json in Kubernetes")
	rootCmd.PersistentFlags().
		StringVar(&modelsDir, "models-dir", DefaultModelsDir, "Directory for storing models")

	mustBindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))

	// Default values
	viper.SetDefault("api_url", captioner.DefaultApiUrl)
	viper.SetDefault("model_id", captioner.DefaultModelID)
	viper.SetDefault("models_dir", DefaultModelsDir)
	viper.SetDefault("default_task", "<CAPTION>")
	viper.SetDefault("auto_pull", true)
	viper.SetDefault("gpu", "auto")
	viper.SetDefault("cache_ttl", captioner.DefaultCacheTTL.String())
	viper.SetDefault("max_upload_bytes", captioner.DefaultMaxUploadBytes)
	viper.SetDefault("health_port", 4200)
	viper.SetDefault("log.level", "info")
	// Default to JSON logging in Kubernetes for structured log aggregation
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		viper.SetDefault("log.style", "json")
	} else {
		viper.SetDefault("log.style", "logfmt")
	}
}

// initConfig reads in the env file, config file and ENV variables if set.
func initConfig() {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				fmt.Fprintf(os.Stderr, "Error loading env file [%s]: %v\n", envFile, err)
				os.Exit(1)
			}
		}
	}

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in home directory and current directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".captioner")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("captioner")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("CAPTIONER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// FLORENCE_MODEL_ID is accepted for existing deployments.
	_ = viper.BindEnv("model_id", "CAPTIONER_MODEL_ID", "FLORENCE_MODEL_ID")
	_ = viper.BindEnv("hf_token", "CAPTIONER_HF_TOKEN", "HF_TOKEN")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		// Only error if user explicitly specified a config file
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}
