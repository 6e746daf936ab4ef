package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and makes every flag settable as DMAP_<FLAG>
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dmap")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// SetupClusterFlags adds the flags every cluster member needs to a command
func SetupClusterFlags(cmd *cobra.Command, defaultEndpoint string) {
	key := "endpoint"
	cmd.PersistentFlags().String(key, defaultEndpoint, WrapString("The host:port this node listens on for other members"))

	key = "members"
	cmd.PersistentFlags().String(key, "", WrapString("Comma separated, ordered list of all cluster members (host:port). Every member must use the same list"))

	key = "partitions"
	cmd.PersistentFlags().Int32(key, common.DefaultPartitionCount, WrapString("Number of partitions of the cluster"))

	key = "backups"
	cmd.PersistentFlags().Int(key, common.DefaultBackupCount, WrapString("Number of backup replicas per partition"))

	key = "max-attempts"
	cmd.PersistentFlags().Int(key, common.DefaultMaxAttempts, WrapString("How often an invocation is sent before it fails"))

	key = "retry-pause"
	cmd.PersistentFlags().Duration(key, common.DefaultRetryPause, WrapString("Pause before an invocation is sent again"))

	key = "call-timeout"
	cmd.PersistentFlags().Duration(key, common.DefaultCallTimeout, WrapString("Deadline of a call including the backup acknowledgements (0 = none)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, common.DefaultLogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetNodeConfig reads the cluster flags from viper
func GetNodeConfig() common.NodeConfig {
	cfg := common.DefaultNodeConfig()
	cfg.Endpoint = viper.GetString("endpoint")
	cfg.PartitionCount = viper.GetInt32("partitions")
	cfg.BackupCount = viper.GetInt("backups")
	cfg.MaxAttempts = viper.GetInt("max-attempts")
	cfg.RetryPause = viper.GetDuration("retry-pause")
	cfg.CallTimeout = viper.GetDuration("call-timeout")
	cfg.Serializer = viper.GetString("serializer")
	cfg.LogLevel = viper.GetString("log-level")

	if members := viper.GetString("members"); members != "" {
		for _, m := range strings.Split(members, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.Members = append(cfg.Members, m)
			}
		}
	}
	return cfg
}

// GetSerializer creates the serializer selected with --serializer
func GetSerializer() (serializer.IRPCSerializer, error) {
	s, err := serializer.ByName(viper.GetString("serializer"))
	if err != nil {
		return nil, fmt.Errorf("%w (valid: %s)", err, strings.Join(serializer.Names(), ", "))
	}
	return s, nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
