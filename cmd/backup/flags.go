package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/valvemist/virtbackup/backup"
	"github.com/valvemist/virtbackup/virt"
)

const envPrefix = "VIRTBACKUP"

// options are the settings that belong to the CLI rather than to a backup run.
type options struct {
	URI     string
	LogDir  string
	Verbose bool
	Clean   bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("retention-days", backup.DefaultRetentionDays)
	v.SetDefault("mode", string(backup.ModeAuto))
	v.SetDefault("connect", virt.DefaultURI)
	v.SetDefault("log-dir", "/var/log/virsh")
	return v
}

func newRootCommand(level *slog.LevelVar) *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "backup --domain NAME --backup-dir PATH --disk DEV [DEV...]",
		Short: "Live, crash-safe backup of libvirt domain disks",
		Long: `Backs up disks of a running domain without downtime, either with the
hypervisor's native backup job or with an external snapshot, a copy of the
frozen base images and a block-commit pivot. Any failure or interrupt runs a
cleanup that pivots dirty disks and deletes partial artifacts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, opts, err := loadConfig(v, args)
			if err != nil {
				return err
			}
			if opts.Verbose {
				level.Set(slog.LevelDebug)
			}
			return runBackupWorkflow(cmd.Context(), cfg, opts, level)
		},
	}

	f := cmd.Flags()
	f.String("domain", "", "Name of the domain (VM) to back up")
	f.String("backup-dir", "", "Base directory; artifacts go to <backup-dir>/<domain>/")
	f.StringSlice("disk", nil, "Disk targets to back up (e.g. vda vdb); repeat or comma-separate")
	f.Int("retention-days", backup.DefaultRetentionDays, "Keep artifacts for at most N days")
	f.Int("retention-count", 0, "Keep at most N artifacts including the new one (0 disables the limit)")
	f.String("mode", string(backup.ModeAuto), "Backup strategy: auto, native or snapshot")
	f.Int("bwlimit", 0, "Copy bandwidth limit in MB/s for snapshot mode (0 = unlimited)")
	f.Bool("force-unsafe", false, "Abort a stale job and continue past failed clean-state and space checks")
	f.String("connect", virt.DefaultURI, "Hypervisor connection URI")
	f.String("log-dir", "/var/log/virsh", "Directory for the per-run log file")
	f.Bool("clean", false, "Only run the cleanup protocol: pivot dirty disks of the domain and exit")
	f.BoolP("verbose", "v", false, "Verbose output")
	_ = v.BindPFlags(f)
	return cmd
}

// loadConfig reads flags and VIRTBACKUP_* variables. Positional arguments are
// additional disks, so "--disk vda vdb" works as well as "--disk vda,vdb".
func loadConfig(v *viper.Viper, args []string) (backup.Config, options, error) {
	mode, err := backup.ParseMode(v.GetString("mode"))
	if err != nil {
		return backup.Config{}, options{}, err
	}
	disks := append(splitList(v.GetStringSlice("disk")), args...)
	cfg := backup.Config{
		Domain:         v.GetString("domain"),
		BackupDir:      v.GetString("backup-dir"),
		Disks:          disks,
		RetentionDays:  v.GetInt("retention-days"),
		RetentionCount: v.GetInt("retention-count"),
		Mode:           mode,
		BandwidthMBps:  v.GetInt("bwlimit"),
		ForceUnsafe:    v.GetBool("force-unsafe"),
	}
	opts := options{
		URI:     v.GetString("connect"),
		LogDir:  v.GetString("log-dir"),
		Verbose: v.GetBool("verbose"),
		Clean:   v.GetBool("clean"),
	}
	if opts.Clean {
		if cfg.Domain == "" {
			return cfg, opts, &backup.ValidationError{Reason: "domain is required"}
		}
		return cfg, opts, nil
	}
	return cfg, opts, cfg.Validate()
}

// splitList flattens values that arrive comma- or space-separated from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, part)
		}
	}
	return out
}
