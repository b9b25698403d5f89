package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobsender/internal/observability"
	"github.com/3leaps/jobsender/pkg/cluster"
	"github.com/3leaps/jobsender/pkg/workenv"
)

var (
	doctorKind string
	doctorS3   bool

	// doctor lookups, replaced in tests
	doctorLookPath  = exec.LookPath
	doctorLookupEnv = os.LookupEnv
	doctorHostname  = os.Hostname
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can prepare and submit jobs",
	Long: `Run diagnostic checks on the submitting host: scheduler commands, the job
registry and, with --kind, the shell environment a work environment needs.

Examples:
  jobsender doctor               # Host and scheduler checks
  jobsender doctor --kind athena # Also check the Athena setup
  jobsender doctor --s3          # Also check AWS credentials for s3:// inputs`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorKind, "kind", "", "Check the environment of a work environment kind (athena, blind)")
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "Check AWS credentials used for s3:// inputs")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	log.Info("=== jobsender doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	cfg, err := runtimeConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	allChecks := true
	checkNum := 1
	totalChecks := 4
	if doctorKind != "" {
		totalChecks++
	}
	if doctorS3 {
		totalChecks++
	}

	// Check 1: Go runtime
	log.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", runtime.Version()))
	checkNum++

	// Check 2: backend selection
	backends := cluster.Kinds()
	host, herr := doctorHostname()
	switch {
	case cfg.Cluster.Backend != "":
		backends = []cluster.Kind{cluster.Kind(strings.ToLower(cfg.Cluster.Backend))}
		log.Info(fmt.Sprintf("[%d/%d] Checking cluster backend... ✅ %s (configured)", checkNum, totalChecks, backends[0]))
	case herr != nil:
		log.Warn(fmt.Sprintf("[%d/%d] Checking cluster backend... ⚠️  cannot read hostname", checkNum, totalChecks), zap.Error(herr))
	default:
		if kind, ok := cluster.Detect(host); ok {
			backends = []cluster.Kind{kind}
			log.Info(fmt.Sprintf("[%d/%d] Checking cluster backend... ✅ %s (suggested for %s)", checkNum, totalChecks, kind, host))
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking cluster backend... ➖ no suggestion for %s; set cluster.backend in the manifest", checkNum, totalChecks, host))
		}
	}
	checkNum++

	// Check 3: scheduler commands
	if !checkSchedulerCommands(checkNum, totalChecks, backends, cfg.Cluster.Simulate) {
		allChecks = false
	}
	checkNum++

	// Check 4: job registry
	if !cfg.Registry.Enabled {
		log.Info(fmt.Sprintf("[%d/%d] Checking job registry... ➖ disabled", checkNum, totalChecks))
	} else if err := os.MkdirAll(cfg.RegistryDir(), 0755); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking job registry... ❌ %s is not writable", checkNum, totalChecks, cfg.RegistryDir()), zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking job registry... ✅ %s", checkNum, totalChecks, cfg.RegistryDir()))
	}
	checkNum++

	// Check 5: work environment
	var envErr error
	if doctorKind != "" {
		envErr = checkWorkEnv(checkNum, totalChecks, workenv.Kind(strings.ToLower(doctorKind)))
		if envErr != nil {
			allChecks = false
		}
		checkNum++
	}

	if doctorS3 {
		if !runS3Checks(cmd.Context(), checkNum, totalChecks) {
			allChecks = false
		}
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed! This host is ready to send jobs.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if envErr != nil {
		return exitError(foundry.ExitInvalidArgument, "Work environment is not configured", envErr)
	}
	return nil
}

func checkSchedulerCommands(checkNum, totalChecks int, backends []cluster.Kind, simulate bool) bool {
	log := observability.CLILogger
	ok := true
	var missing []string
	for _, kind := range backends {
		cmds, err := cluster.Commands(kind)
		if err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking scheduler commands... ❌ %v", checkNum, totalChecks, err))
			return false
		}
		for _, name := range cmds {
			if _, err := doctorLookPath(name); err != nil {
				missing = append(missing, fmt.Sprintf("%s (%s)", name, kind))
			}
		}
	}
	switch {
	case len(missing) == 0:
		log.Info(fmt.Sprintf("[%d/%d] Checking scheduler commands... ✅ found", checkNum, totalChecks))
	case simulate:
		log.Info(fmt.Sprintf("[%d/%d] Checking scheduler commands... ➖ not on PATH, simulate mode is on", checkNum, totalChecks),
			zap.Strings("missing", missing))
	default:
		log.Warn(fmt.Sprintf("[%d/%d] Checking scheduler commands... ⚠️  not on PATH: %s", checkNum, totalChecks, strings.Join(missing, ", ")))
		log.Info("    Use --simulate to try jobs on a host without a scheduler.")
		ok = false
	}
	return ok
}

func checkWorkEnv(checkNum, totalChecks int, kind workenv.Kind) error {
	log := observability.CLILogger
	reqs, err := workenv.Requirements(kind)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking %s environment... ❌ %v", checkNum, totalChecks, kind, err))
		return err
	}
	missing := workenv.MissingEnvironment(reqs, doctorLookupEnv)
	if len(missing) == 0 {
		log.Info(fmt.Sprintf("[%d/%d] Checking %s environment... ✅ %d variables set", checkNum, totalChecks, kind, len(reqs)))
		return nil
	}
	log.Error(fmt.Sprintf("[%d/%d] Checking %s environment... ❌ %d of %d variables unset", checkNum, totalChecks, kind, len(missing), len(reqs)))
	for _, r := range missing {
		log.Info(fmt.Sprintf("    %s is not set; run %q", r.Variable, r.SetupCommand))
	}
	return workenv.CheckEnvironment(kind, reqs, doctorLookupEnv)
}

// runS3Checks checks that AWS credentials resolve for s3:// inputs.
func runS3Checks(ctx context.Context, checkNum, totalChecks int) bool {
	log := observability.CLILogger

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials for s3:// inputs:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Run 'aws configure' and set inputs.s3.profile in the manifest")
	log.Info("")
	log.Info("For S3-compatible storage, also set inputs.s3.endpoint.")
	log.Info("")
}
