package maintain

import (
	"fmt"

	"github.com/ValentinKolb/docDB/cmd/util"
	"github.com/ValentinKolb/docDB/lib/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// MaintainCmd groups the offline maintenance operations. They operate on
	// paths, not on an open handle; the caller has to make sure no docDB
	// process is using the files.
	MaintainCmd = &cobra.Command{
		Use:   "maintain",
		Short: "Offline maintenance of a docDB database",
	}

	compactCmd = &cobra.Command{
		Use:     "compact",
		Short:   "Compact a database file and atomically swap it in",
		PreRunE: bindFlags,
		RunE:    runCompact,
	}

	backupCmd = &cobra.Command{
		Use:     "backup",
		Short:   "Write a consistent backup of a database to a directory",
		PreRunE: bindFlags,
		RunE:    runBackup,
	}

	restoreCmd = &cobra.Command{
		Use:     "restore",
		Short:   "Restore a database from a backup directory",
		PreRunE: bindFlags,
		RunE:    runRestore,
	}
)

func init() {
	MaintainCmd.AddCommand(compactCmd)
	MaintainCmd.AddCommand(backupCmd)
	MaintainCmd.AddCommand(restoreCmd)

	key := "path"
	MaintainCmd.PersistentFlags().String(key, "data/"+storage.DefaultDatabaseFileName, util.WrapString("Path of the database file"))

	key = "target"
	backupCmd.Flags().String(key, "backup", util.WrapString("Directory the backup is written to"))
	key = "incremental"
	backupCmd.Flags().Bool(key, false, util.WrapString("Skip the backup if nothing changed since the last one"))

	key = "source"
	restoreCmd.Flags().String(key, "backup", util.WrapString("Backup directory to restore from"))
	key = "target-dir"
	restoreCmd.Flags().String(key, "data", util.WrapString("Directory the restored database file is placed in"))
	key = "defragment"
	restoreCmd.Flags().Bool(key, false, util.WrapString("Compact the restored database before handing it over"))
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

func runCompact(cmd *cobra.Command, _ []string) error {
	return storage.Compact(storage.CompactConfig{
		Path: viper.GetString("path"),
	})
}

func runBackup(cmd *cobra.Command, _ []string) error {
	path := viper.GetString("path")

	st := storage.New(storage.DefaultOptions(path))
	if _, err := st.Initialize(nil, nil); err != nil {
		return err
	}

	st.Backup(viper.GetString("target"), viper.GetBool("incremental"), nil)

	// Shutdown takes the exclusive permit and therefore waits for the
	// enqueued backup to finish before releasing the engine.
	if err := st.Shutdown(); err != nil {
		return err
	}

	fmt.Printf("backup of %s written to %s\n", path, viper.GetString("target"))
	return nil
}

func runRestore(cmd *cobra.Command, _ []string) error {
	return storage.Restore(storage.RestoreConfig{
		SourceDir:  viper.GetString("source"),
		TargetDir:  viper.GetString("target-dir"),
		Defragment: viper.GetBool("defragment"),
		Progress: func(msg string) {
			fmt.Println(msg)
		},
	})
}
