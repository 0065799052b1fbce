// Package cmd provides the command-line interface of the accounts service.
package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"accounts/bootstrap"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

const (
	maxSeedFileSize = 10 * 1024 * 1024
	defaultTimeout  = 5 * time.Minute
)

// validateFilePath rejects paths that traverse outside the working
// directory, including URL-encoded traversal.
func validateFilePath(filename string) error {
	decoded, err := url.QueryUnescape(filename)
	if err != nil {
		decoded = filename
	}

	if strings.Contains(decoded, "..") || strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}

	absPath, err := filepath.Abs(filepath.Clean(decoded))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	if !strings.HasPrefix(absPath, workDir) {
		return fmt.Errorf("path escapes current directory")
	}
	return nil
}

// NewRootCmd creates the accounts command with all subcommands.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "accounts",
		Short: "arXiv accounts service",
		Long: `Run and administer the accounts web application.

Without a subcommand the HTTP server is started, as with "accounts serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
			if configFile != "" {
				_ = os.Setenv(bootstrap.ConfigEnv, configFile)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default $"+bootstrap.ConfigEnv+" or ./config.yaml)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCreateDBCmd())
	root.AddCommand(newSeedUsersCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newDisableTOTPCmd())

	return root
}
