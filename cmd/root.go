// =============================================================================
// DJ Filer - Root Command
// =============================================================================
//
// This file defines the root command for the Cobra CLI. Every subcommand
// runs after PersistentPreRunE has loaded the configuration, set up logging
// and opened the metadata store.
//
// COBRA CLI STRUCTURE:
//   rootCmd (djfiler)
//   ├── infoCmd      (djfiler info <code>)
//   ├── templateCmd  (djfiler template <code>)
//   ├── validateCmd  (djfiler validate <code> <input>)
//   ├── processCmd   (djfiler process <code> [input])
//   ├── mmvCmd       (djfiler mmv <input> --period YYYYMM)
//   └── versionCmd   (djfiler version)
//
// CONFIGURATION:
//   1. config.yaml (or --config) parsed with yaml.v3; defaults when absent
//   2. Declaration files from declarations_dir merged in
//   3. DJ_* environment variables and flags layered on top through viper
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ginjaninja78/dj-filer/internal/config"
	"github.com/ginjaninja78/dj-filer/internal/logging"
	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/processor"
)

// =============================================================================
// GLOBAL VARIABLES
// =============================================================================

// cfgFile holds the path to the main configuration file.
var cfgFile string

// verbose forces debug logging.
var verbose bool

// v overlays environment variables and flags on the configuration file.
var v = viper.New()

// app holds what PersistentPreRunE prepared for the subcommands.
var app struct {
	fs      afero.Fs
	cfg     *config.MainConfig
	log     zerolog.Logger
	store   metadata.Store
	lookups metadata.LookupSource
	proc    *processor.Processor
	closeFn func()
}

// =============================================================================
// ROOT COMMAND DEFINITION
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "djfiler",
	Short: "DJ Filer - Validate and encode Chilean SII sworn declarations",
	Long: `DJ Filer turns Excel or CSV declaration data into the fixed-width files
the SII accepts for bulk upload of Declaraciones Juradas.

Key Features:
  - Declaration layouts and validation rules loaded from metadata
  - Composite declarations with one sheet per section
  - Validation reports in Excel with per-field error counts
  - Excel input templates with drop-down lists and field comments
  - Optional persistence of validated rows in SQLite or Postgres

Example Usage:
  djfiler info 1879                        # Show the layout of DJ 1879
  djfiler template 1879                    # Write the input template
  djfiler validate 1879 datos.xlsx         # Validate without filing
  djfiler process 1879 datos.xlsx --save   # Validate, encode and persist
  djfiler process 1879                     # Process every file in input_dir
  djfiler mmv ventas.xlsx --period 202403  # Monthly sales (DJ 1922)`,

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return setup(cmd)
	},

	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// =============================================================================
// EXECUTE FUNCTION
// =============================================================================

// Execute runs the root command. It is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if app.closeFn != nil {
		app.closeFn()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// INITIALIZATION
// =============================================================================

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "config.yaml", "Path to the main configuration file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output for debugging")
	flags.String("metadata", "", "Metadata file (yaml driver) or database (sqlite driver)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")

	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	v.SetEnvPrefix("DJ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range config.OverrideKeys() {
		_ = v.BindEnv(key)
	}
}

// setup loads the configuration and builds the processor.
func setup(cmd *cobra.Command) error {
	app.fs = afero.NewOsFs()

	cfg, err := config.LoadMainConfig(app.fs, cfgFile)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case err != nil:
		return err
	}

	if _, err := cfg.LoadDeclarationConfigs(app.fs); err != nil {
		return err
	}
	cfg.ApplyOverrides(v)

	if m, _ := cmd.Flags().GetString("metadata"); m != "" {
		if strings.EqualFold(cfg.Metadata.Driver, "sqlite") {
			cfg.Metadata.DSN = m
		} else {
			cfg.Metadata.Path = m
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	app.cfg = cfg
	app.log = logging.Init(cfg.LogLevel, verbose, nil)

	if err := openMetadata(cmd); err != nil {
		return err
	}

	app.proc, err = processor.New(processor.Options{
		Config:   cfg,
		Fs:       app.fs,
		Metadata: app.store,
		Lookups:  app.lookups,
		Logger:   app.log,
	})
	return err
}

// openMetadata opens the configured metadata store. Both stores also serve
// the lookup tables.
func openMetadata(cmd *cobra.Command) error {
	switch strings.ToLower(app.cfg.Metadata.Driver) {
	case "sqlite":
		store, closeFn, err := metadata.OpenSQLStore(cmd.Context(), app.cfg.Metadata.DSN)
		if err != nil {
			return err
		}
		app.store, app.lookups, app.closeFn = store, store, closeFn
	default:
		store, err := metadata.LoadYAMLStore(app.cfg.Metadata.Path)
		if err != nil {
			return err
		}
		app.store, app.lookups = store, store
	}
	app.log.Debug().Str("driver", app.cfg.Metadata.Driver).Msg("metadata store opened")
	return nil
}
