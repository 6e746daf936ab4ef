package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/rpc/admin"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/gate/tcp"
	"github.com/ValentinKolb/dMap/rpc/node"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("node")

var (
	serveCmdConfig = common.NodeConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dMap node",
		Long:    `Start a dMap node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DMAP_<flag> (e.g. DMAP_RETRY_PAUSE=1s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	cmdUtil.SetupClusterFlags(ServeCmd, "127.0.0.1:5701")

	key := "lanes"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of partition execution lanes (0 = number of CPUs)"))

	key = "map-store"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the bbolt file dirty records are flushed to (empty = in-memory only)"))

	key = "flush-interval"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultFlushInterval, cmdUtil.WrapString("How often dirty records are written to the map store"))

	key = "admin-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address of the HTTP admin api (e.g. 127.0.0.1:8080, empty = disabled)"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY for connections to other members"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig = cmdUtil.GetNodeConfig()
	serveCmdConfig.Lanes = viper.GetInt("lanes")
	serveCmdConfig.MapStorePath = viper.GetString("map-store")
	serveCmdConfig.FlushInterval = viper.GetDuration("flush-interval")
	serveCmdConfig.AdminEndpoint = viper.GetString("admin-endpoint")

	return serveCmdConfig.Validate()
}

// run starts the node and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	Logger.Infof("starting node with configuration:%s", serveCmdConfig.String())

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	self, err := cluster.ParseAddress(serveCmdConfig.Endpoint)
	if err != nil {
		return err
	}

	n, err := node.New(serveCmdConfig, tcp.Connector(self, s, tcp.Options{NoDelay: viper.GetBool("tcp-nodelay")}), nil)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	var adminServer *admin.Server
	if serveCmdConfig.AdminEndpoint != "" {
		if adminServer, err = admin.Start(serveCmdConfig.AdminEndpoint, n); err != nil {
			_ = n.Close()
			return err
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	Logger.Infof("received %v, shutting down", sig)

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(ctx); err != nil {
			Logger.Warningf("admin api shutdown: %v", err)
		}
		cancel()
	}
	return n.Close()
}
