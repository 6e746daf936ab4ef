package maps

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Stores the value for a key and prints the previous value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			old, err := currentMap().Put(ctx, []byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			if old != nil {
				fmt.Printf("put successfully (previous value: %s)\n", old)
			} else {
				fmt.Println("put successfully")
			}
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			value, found, err := currentMap().Get(ctx, []byte(args[0]))
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("key not found")
				return nil
			}
			fmt.Println(string(value))
			return nil
		},
	}
	removeCmd = &cobra.Command{
		Use:   "remove [key]",
		Short: "Removes a key and prints the removed value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			old, found, err := currentMap().Remove(ctx, []byte(args[0]))
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("key not found")
				return nil
			}
			fmt.Printf("removed successfully (value: %s)\n", old)
			return nil
		},
	}
	lockCmd = &cobra.Command{
		Use:   "lock [key]",
		Short: "Locks a key for the thread given with --thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			if err := currentMap().Lock(ctx, []byte(args[0]), viper.GetInt64("thread"), viper.GetDuration("ttl")); err != nil {
				return err
			}
			fmt.Println("locked successfully")
			return nil
		},
	}
	unlockCmd = &cobra.Command{
		Use:   "unlock [key]",
		Short: "Releases the lock on a key held by the thread given with --thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			if err := currentMap().Unlock(ctx, []byte(args[0]), viper.GetInt64("thread")); err != nil {
				return err
			}
			fmt.Println("unlocked successfully")
			return nil
		},
	}
	sizeCmd = &cobra.Command{
		Use:   "size",
		Short: "Counts the entries of the map over all partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			size, err := currentMap().Size(ctx)
			if err != nil {
				return err
			}
			fmt.Println(size)
			return nil
		},
	}
)

func init() {
	lockCmd.Flags().Duration("ttl", 0, "Lease time of the lock (0 = until unlocked)")
}
