package info

import (
	"fmt"

	"github.com/ValentinKolb/docDB/cmd/util"
	"github.com/ValentinKolb/docDB/lib/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// InfoCmd prints identity, schema version and size counters of a
	// database file.
	InfoCmd = &cobra.Command{
		Use:   "info",
		Short: "Print identity, schema version and sizes of a database",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
		RunE: run,
	}
)

func init() {
	key := "path"
	InfoCmd.Flags().String(key, "data/"+storage.DefaultDatabaseFileName, util.WrapString("Path of the database file"))
}

func run(cmd *cobra.Command, _ []string) error {
	path := viper.GetString("path")

	st := storage.New(storage.DefaultOptions(path))
	created, err := st.Initialize(nil, nil)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	fmt.Printf("path:                %s\n", path)
	fmt.Printf("created:             %v\n", created)
	fmt.Printf("database id:         %s\n", st.DatabaseID())
	fmt.Printf("schema version:      %s\n", st.SchemaVersion())
	fmt.Printf("database size:       %s\n", formatSize(st.DatabaseSizeInBytes()))
	fmt.Printf("cache size:          %s\n", formatSize(st.CacheSizeInBytes()))
	fmt.Printf("version store size:  %s\n", formatSize(st.TransactionVersionStoreSizeInBytes()))
	return nil
}

// formatSize renders a byte count, keeping the -1 "unavailable" sentinel visible.
func formatSize(size int64) string {
	if size < 0 {
		return "unavailable"
	}
	return fmt.Sprintf("%d bytes", size)
}
