package maps

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/gate/tcp"
	"github.com/ValentinKolb/dMap/rpc/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	member *node.Node

	// MapCommands represents the map command group
	MapCommands = &cobra.Command{
		Use:   "map",
		Short: "Perform distributed map operations",
		Long: `Perform distributed map operations. The command joins the cluster as a lite
member (it owns no partitions), sends the invocation to the partition owner and
waits until all backups acknowledged the change.`,
		PersistentPreRunE:  joinCluster,
		PersistentPostRunE: leaveCluster,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// A lite member listens on a random local port for replies
	util.SetupClusterFlags(MapCommands, "127.0.0.1:0")

	key := "map"
	MapCommands.PersistentFlags().String(key, "default", util.WrapString("Name of the distributed map"))

	key = "thread"
	MapCommands.PersistentFlags().Int64(key, 1, util.WrapString("Thread id that owns a lock (lock and unlock must use the same id)"))

	// Add subcommands
	MapCommands.AddCommand(putCmd)
	MapCommands.AddCommand(getCmd)
	MapCommands.AddCommand(removeCmd)
	MapCommands.AddCommand(lockCmd)
	MapCommands.AddCommand(unlockCmd)
	MapCommands.AddCommand(sizeCmd)
	MapCommands.AddCommand(perfTestCmd)
}

// joinCluster starts the lite member used by all subcommands
func joinCluster(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetNodeConfig()
	config.Lite = true
	config.Lanes = 1
	if len(config.Members) == 0 {
		return errors.New("--members is required")
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}
	self, err := cluster.ParseAddress(config.Endpoint)
	if err != nil {
		return err
	}

	member, err = node.New(config, tcp.Connector(self, s, tcp.Options{NoDelay: true}), nil)
	return err
}

func leaveCluster(_ *cobra.Command, _ []string) error {
	if member == nil {
		return nil
	}
	return member.Close()
}

// currentMap returns the proxy of the map selected with --map
func currentMap() *node.MapProxy {
	return member.Map(viper.GetString("map"))
}

// commandContext bounds a single command by the configured call timeout
func commandContext() (context.Context, context.CancelFunc) {
	timeout := viper.GetDuration("call-timeout")
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	// the invocation deadline fires first, the extra second covers the backup acks
	return context.WithTimeout(context.Background(), timeout+time.Second)
}
