package maps

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/rpc/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dMap clusters",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the put-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// benchmark is a single perf test. prepare puts the keys the test expects to exist,
// op is executed for every iteration with a per goroutine counter.
type benchmark struct {
	name    string
	prepare bool
	op      func(m *node.MapProxy, key []byte, counter int) error
}

func runPerf(_ *cobra.Command, _ []string) error {
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	threadIDs := atomic.Int64{}

	benchmarks := []benchmark{
		{name: "put", op: func(m *node.MapProxy, key []byte, _ int) error {
			_, err := m.Put(context.Background(), key, []byte("test"))
			return err
		}},
		{name: "put-large", op: func(m *node.MapProxy, key []byte, _ int) error {
			_, err := m.Put(context.Background(), key, largeValue)
			return err
		}},
		{name: "get", prepare: true, op: func(m *node.MapProxy, key []byte, _ int) error {
			_, _, err := m.Get(context.Background(), key)
			return err
		}},
		{name: "remove", prepare: true, op: func(m *node.MapProxy, key []byte, _ int) error {
			_, _, err := m.Remove(context.Background(), key)
			return err
		}},
		{name: "lock-unlock", op: func(m *node.MapProxy, _ []byte, _ int) error {
			// every iteration uses its own key so lock calls never contend
			id := threadIDs.Add(1)
			key := []byte(fmt.Sprintf("%s/lock-%d", perfKeyPrefix, id))
			if err := m.Lock(context.Background(), key, id, 0); err != nil {
				return err
			}
			return m.Unlock(context.Background(), key, id)
		}},
		{name: "mixed", prepare: true, op: func(m *node.MapProxy, key []byte, counter int) error {
			var err error
			switch counter % 3 {
			case 0:
				_, err = m.Put(context.Background(), key, []byte("test"))
			case 1:
				_, _, err = m.Get(context.Background(), key)
			case 2:
				_, _, err = m.Remove(context.Background(), key)
			}
			return err
		}},
	}

	fmt.Println("Performance testing tool for dMap clusters")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	config := util.GetNodeConfig()
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("staring tests...")

	m := currentMap()
	results := make(map[string]testing.BenchmarkResult)

	for _, bm := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}

			// prepare keys
			getKey, iter := getKeys(bm.name)

			if bm.prepare {
				iter(func(k []byte) {
					if _, err := m.Put(context.Background(), k, []byte("test")); err != nil {
						log.Printf("(%s) - error putting key: %v\n", bm.name, err)
					}
				})
			}

			// cleanup
			b.Cleanup(func() {
				iter(func(k []byte) {
					if _, _, err := m.Remove(context.Background(), k); err != nil {
						log.Printf("(%s) - error removing key: %v\n", bm.name, err)
					}
				})
			})

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := bm.op(m, getKey(counter), counter); err != nil {
						log.Printf("(%s) - error: %v\n", bm.name, err)
					}
					counter++
				}
			})
		})

		results[bm.name] = result
		printResult(bm.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) []byte, func(func([]byte))) {
	keys := make([][]byte, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = []byte(fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i))
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) []byte {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func([]byte)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	config := util.GetNodeConfig()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Members", "PartitionCount", "BackupCount", "MaxAttempts", "RetryPause",
		"Map", "Serializer",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Members, ";"),
			strconv.Itoa(int(config.PartitionCount)),
			strconv.Itoa(config.BackupCount),
			strconv.Itoa(config.MaxAttempts),
			config.RetryPause.String(),
			viper.GetString("map"),
			viper.GetString("serializer"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
