package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/dMap/cmd/maps"
	"github.com/ValentinKolb/dMap/cmd/serve"
	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmap",
		Short: "distributed partitioned map",
		Long: fmt.Sprintf(`dMap (v%s)

A distributed, partitioned in-memory map written in Go. Every partition
has one primary and a configurable number of synchronous backups.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMap",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMap v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(maps.MapCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, common.DefaultSerializer, util.WrapString(fmt.Sprintf("serializer to use (%s), must be the same on all members", strings.Join(serializer.Names(), ", "))))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
