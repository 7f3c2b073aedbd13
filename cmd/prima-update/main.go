package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/DiDaimon/prima-update/pkg/buildinfo"
	"github.com/DiDaimon/prima-update/pkg/config"
	"github.com/DiDaimon/prima-update/pkg/lockfile"
	"github.com/DiDaimon/prima-update/pkg/metrics"
	"github.com/DiDaimon/prima-update/pkg/plog"
	"github.com/DiDaimon/prima-update/pkg/shortcut"
	"github.com/DiDaimon/prima-update/pkg/treearchive"
	"github.com/DiDaimon/prima-update/pkg/ui"
	"github.com/DiDaimon/prima-update/pkg/updater"
)

// action defines a special command to execute instead of an update run.
type action int

const (
	actionRunUpdate action = iota // The default action is an interactive update.
	actionShowVersion
	actionInitConfig
)

// init sets up a custom, more descriptive help message for the flags.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", buildinfo.Name, buildinfo.Version)
		fmt.Fprintf(flag.CommandLine.Output(), "Interactive updater for a PRIMA installation: compares the local directory\n")
		fmt.Fprintf(flag.CommandLine.Output(), "against the distribution share and applies the chosen changes with rotating\n")
		fmt.Fprintf(flag.CommandLine.Output(), "backups of the executable.\n\n")
		flag.PrintDefaults()
	}
}

// parseFlagConfig defines and parses command-line flags, and constructs a
// map containing only the values explicitly provided by the user.
func parseFlagConfig() (action, map[string]interface{}, error) {
	// Flags cover options worth overriding for a single run. Long-term
	// choices like ignore lists and retention belong in the config file.
	srcFlag := flag.String("source", "", "Distribution share to update from")
	destFlag := flag.String("destination", "", "Local PRIMA directory to update")
	logLevelFlag := flag.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	metricsFlag := flag.Bool("metrics", true, "Print a run summary with file and backup counts.")
	dryRunFlag := flag.Bool("dry-run", false, "Show what would be done without making any changes.")
	yesFlag := flag.Bool("yes", false, "Assume yes for destructive confirmations.")
	trackedFileFlag := flag.String("tracked-file", "", "Basename of the executable that gets backed up before updates.")
	backupDirFlag := flag.String("backup-dir", "", "Name of the backup directory inside the destination.")
	workersFlag := flag.Int("workers", 0, "Number of worker goroutines for file copies.")
	bufferSizeKBFlag := flag.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
	retryCountFlag := flag.Int("retry-count", 0, "Number of retries for failed file copies.")
	retryWaitFlag := flag.Int("retry-wait", 0, "Seconds to wait between retries.")
	archiveFlag := flag.Bool("archive", true, "Pack a safety archive of the destination before a full copy.")
	archiveFormatFlag := flag.String("archive-format", "", "Safety archive format: 'tar.zst' or 'tar.gz'.")
	shortcutFlag := flag.Bool("shortcut", true, "Rename the desktop shortcut to the installed version date.")
	shortcutDirFlag := flag.String("shortcut-dir", "", "Directory searched for the shortcut. Empty means the user's desktop.")
	initFlag := flag.Bool("init", false, "Generate a default prima-update.config.json file and exit.")
	versionFlag := flag.Bool("version", false, "Print the application version and exit.")

	flag.Parse()

	usedFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]interface{})
	addIfUsed := func(name string, value interface{}) {
		if usedFlags[name] {
			flagMap[name] = value
		}
	}

	addIfUsed("source", *srcFlag)
	addIfUsed("destination", *destFlag)
	addIfUsed("log-level", *logLevelFlag)
	addIfUsed("metrics", *metricsFlag)
	addIfUsed("dry-run", *dryRunFlag)
	addIfUsed("yes", *yesFlag)
	addIfUsed("tracked-file", *trackedFileFlag)
	addIfUsed("backup-dir", *backupDirFlag)
	addIfUsed("workers", *workersFlag)
	addIfUsed("buffer-size-kb", *bufferSizeKBFlag)
	addIfUsed("retry-count", *retryCountFlag)
	addIfUsed("retry-wait", *retryWaitFlag)
	addIfUsed("archive", *archiveFlag)
	addIfUsed("shortcut", *shortcutFlag)
	addIfUsed("shortcut-dir", *shortcutDirFlag)

	if usedFlags["archive-format"] {
		if _, err := treearchive.ParseFormat(*archiveFormatFlag); err != nil {
			return actionRunUpdate, nil, err
		}
		flagMap["archive-format"] = *archiveFormatFlag
	}

	if *versionFlag {
		return actionShowVersion, flagMap, nil
	}
	if *initFlag {
		return actionInitConfig, flagMap, nil
	}
	return actionRunUpdate, flagMap, nil
}

// runInit generates a config file in the destination directory.
func runInit(flagMap map[string]interface{}) error {
	if _, ok := flagMap["destination"]; !ok {
		return fmt.Errorf("the -destination flag is required for the init operation")
	}

	runConfig := config.MergeConfigWithFlags(config.NewDefault(), flagMap)
	if err := runConfig.Validate(false); err != nil {
		return err
	}
	return config.Generate(runConfig)
}

// runUpdate loads the configuration, takes the single-instance lock and
// hands control to the interactive controller.
func runUpdate(ctx context.Context, flagMap map[string]interface{}) error {
	destPath, ok := flagMap["destination"].(string)
	if !ok || destPath == "" {
		return fmt.Errorf("the -destination flag is required to run an update")
	}

	loadedConfig, err := config.Load(destPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from destination: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(loadedConfig, flagMap)

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())

	if err := runConfig.Validate(true); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	runConfig.LogSummary()

	// One interactive instance per destination at a time.
	lock, err := lockfile.Acquire(ctx, runConfig.Destination, buildinfo.Name)
	if err != nil {
		var active *lockfile.ErrLockActive
		if errors.As(err, &active) {
			return fmt.Errorf("another update is already running: %w", err)
		}
		return fmt.Errorf("could not take the update lock: %w", err)
	}
	defer lock.Release()

	var runMetrics metrics.Metrics = &metrics.NoopMetrics{}
	if runConfig.Metrics {
		runMetrics = &metrics.UpdateMetrics{}
	}

	var archiver *treearchive.Archiver
	if runConfig.Archive.Enabled {
		format, err := treearchive.ParseFormat(runConfig.Archive.Format)
		if err != nil {
			return err
		}
		archiver = treearchive.New(format, runConfig.Transfer.BufferSizeKB, runConfig.Runtime.DryRun)
	}

	var shortcutUpdater *shortcut.Updater
	if runConfig.Shortcut.Enabled {
		trackedPath := filepath.Join(runConfig.Destination, runConfig.Backup.TrackedFile)
		shortcutUpdater = shortcut.New(runConfig.Shortcut.Dir, trackedPath, runConfig.Runtime.DryRun)
	}

	controller, err := updater.New(updater.Options{
		Config:   runConfig,
		UI:       ui.NewConsole(os.Stdin, os.Stdout),
		Metrics:  runMetrics,
		Archiver: archiver,
		Shortcut: shortcutUpdater,
	})
	if err != nil {
		return err
	}

	startTime := time.Now()
	runErr := controller.Run(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)

	runMetrics.Log()
	if runErr != nil {
		return runErr
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

// run encapsulates the application logic and returns an error so main can
// decide the exit code.
func run(ctx context.Context) error {
	act, flagMap, err := parseFlagConfig()
	if err != nil {
		return err
	}

	switch act {
	case actionShowVersion:
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
		return nil
	case actionInitConfig:
		return runInit(flagMap)
	case actionRunUpdate:
		return runUpdate(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown action %d", act)
	}
}

func main() {
	// Cancel the context on the first interrupt so in-flight copies stop at
	// the next checkpoint.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
