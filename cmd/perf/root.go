package perf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/docDB/cmd/util"
	"github.com/ValentinKolb/docDB/lib/docs"
	"github.com/ValentinKolb/docDB/lib/storage"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// PerfCmd is a benchmark tool for the batch engine. It writes into a
	// throwaway database and reports latency percentiles per operation.
	PerfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for the docDB batch engine",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
		RunE: run,
	}
)

func init() {
	key := "batches"
	PerfCmd.Flags().Int(key, 10000, util.WrapString("Number of batches to run per worker"))
	key = "workers"
	PerfCmd.Flags().Int(key, 4, util.WrapString("Number of concurrent worker sessions"))
	key = "keys"
	PerfCmd.Flags().Int(key, 1000, util.WrapString("How many different document keys to spread the writes over"))
	key = "deferred"
	PerfCmd.Flags().Bool(key, false, util.WrapString("Run with deferred commits (throughput over immediate durability)"))
}

func run(cmd *cobra.Command, _ []string) error {
	var (
		batches  = viper.GetInt("batches")
		workers  = viper.GetInt("workers")
		keySpace = viper.GetInt("keys")
	)

	dir, err := os.MkdirTemp("", "docdb-perf-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	opts := storage.DefaultOptions(filepath.Join(dir, storage.DefaultDatabaseFileName))
	opts.DeferredCommits = viper.GetBool("deferred")

	st := storage.New(opts)
	if _, err := st.Initialize(nil, nil); err != nil {
		return err
	}
	defer st.Shutdown()

	var (
		registry  = gometrics.NewRegistry()
		writeHist = gometrics.NewRegisteredHistogram("batch.write", registry, gometrics.NewExpDecaySample(1028, 0.015))
		readHist  = gometrics.NewRegisteredHistogram("batch.read", registry, gometrics.NewExpDecaySample(1028, 0.015))
		conflicts int64
		mu        sync.Mutex
	)

	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			sess := st.NewSession()

			for i := 0; i < batches; i++ {
				key := fmt.Sprintf("perf/%d", (worker*batches+i)%keySpace)

				began := time.Now()
				err := sess.RunBatch(func(acc *storage.Accessor) error {
					return acc.Put(key, docs.Document{
						"worker": worker,
						"seq":    i,
					}, docs.Metadata{Collection: "perf"})
				})
				if storage.IsConflict(err) {
					mu.Lock()
					conflicts++
					mu.Unlock()
					continue
				}
				if err != nil {
					fmt.Printf("worker %d: %v\n", worker, err)
					return
				}
				writeHist.Update(time.Since(began).Nanoseconds())

				began = time.Now()
				_ = sess.RunBatch(func(acc *storage.Accessor) error {
					_, _, _, err := acc.Get(key)
					return err
				})
				readHist.Update(time.Since(began).Nanoseconds())
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := int64(workers * batches)

	fmt.Printf("\n%d batches in %s (%.0f batches/sec), %d write conflicts\n\n",
		total*2, elapsed, float64(total*2)/elapsed.Seconds(), conflicts)
	printHistogram("write batch", writeHist)
	printHistogram("read batch", readHist)
	return nil
}

func printHistogram(name string, h gometrics.Histogram) {
	ps := h.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("%-12s mean=%-12s p50=%-12s p95=%-12s p99=%s\n",
		name,
		time.Duration(int64(h.Mean())),
		time.Duration(int64(ps[0])),
		time.Duration(int64(ps[1])),
		time.Duration(int64(ps[2])),
	)
}
