package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "bizflow",
	Short: "bizflow automation engine ops CLI",
	Long:  `Operational tooling for the bizflow automation workflow engine.`,
}

func init() {
	cobra.OnInitialize(func() {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
