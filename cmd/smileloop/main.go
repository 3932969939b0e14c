// Command smileloop runs the SmileLoop photo-to-video service and its
// maintenance tasks.
package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "smileloop",
	Short: "Photo-to-video service with paid full-resolution downloads",
	Long: `SmileLoop turns a portrait photo into a short looping video using one of
several generative video providers. Previews are watermarked and free; the
clean video is released after payment.

Configuration comes from the environment. A .env file in the working
directory is loaded first when present.

Examples:
  smileloop serve
  smileloop generate --image face.jpg --out face.mp4 --provider kie
  smileloop presets
  smileloop cleanup`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(envFile)
	},
	// A bare invocation serves, matching how the container starts it.
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.AddCommand(serveCmd, generateCmd, presetsCmd, cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv loads path without overriding variables already set. A missing
// file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
