package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lenses",
	Short: "POS to SMS automation for Baus Optical",
	Long: `Lenses receives point-of-sale events from branch POS systems and turns
them into customer SMS notifications, either sent immediately or scheduled
as reminders.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lenses.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(pollCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".lenses")
	}

	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("metrics_addr", ":9090")
	viper.SetDefault("sweep_interval", "1m")
	viper.SetDefault("poll_interval", "5m")
	viper.SetDefault("queue_workers", 4)
	viper.SetDefault("kafka_topic", "sms-events")
	viper.SetDefault("schema_file", "internal/store/schema.sql")

	// Every key is also settable via environment, e.g. DB_DSN, RABBITMQ_URL.
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
